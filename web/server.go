// Package web HTTP API
// gin 路由：代理管理、持仓、分析、行情数据、优化器控制和 Prometheus 指标
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reversalpro/analysis"
	"reversalpro/broker"
	"reversalpro/config"
	"reversalpro/exchange"
	"reversalpro/logger"
	"reversalpro/optimizer"
	"reversalpro/storage"
)

// Server Web服务器
type Server struct {
	server    *http.Server
	cfg       *config.Config
	repo      *storage.Repository
	analysis  *analysis.Service
	broker    *broker.Broker
	optimizer *optimizer.Optimizer
	bars      exchange.BarSource
	started   time.Time
}

// NewServer 创建Web服务器，web.enabled=false 时返回 nil
func NewServer(cfg *config.Config, repo *storage.Repository, analysisService *analysis.Service,
	brokerService *broker.Broker, opt *optimizer.Optimizer, bars exchange.BarSource) *Server {
	if cfg != nil && !cfg.Web.Enabled {
		return nil
	}

	s := &Server{
		cfg:       cfg,
		repo:      repo,
		analysis:  analysisService,
		broker:    brokerService,
		optimizer: opt,
		bars:      bars,
		started:   time.Now(),
	}

	if cfg != nil && cfg.System.LogLevel == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	s.setupRoutes(r)

	addr := ":8090"
	if cfg != nil {
		addr = fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes 注册全部路由
func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/", s.getRoot)

	// Prometheus 抓取端点
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/health", s.getHealth)

		agents := api.Group("/agents")
		{
			agents.GET("", s.getAgentsOverview)
			agents.POST("", s.createAgent)
			agents.GET("/:id", s.getAgent)
			agents.PATCH("/:id", s.updateAgent)
			agents.PATCH("/:id/toggle", s.toggleAgent)
			agents.DELETE("/:id", s.deleteAgent)
			agents.GET("/:id/positions", s.getAgentPositions)
			agents.GET("/:id/logs", s.getAgentLogs)
			agents.GET("/:id/stats", s.getAgentStats)
		}

		positions := api.Group("/positions")
		{
			positions.GET("", s.getPositions)
			positions.POST("/:id/close", s.closePosition)
		}

		analysisGroup := api.Group("/analysis")
		{
			analysisGroup.POST("/run", s.runAnalysis)
		}

		api.GET("/signals/:symbol/:timeframe", s.getSignals)
		api.GET("/zones/:symbol/:timeframe", s.getZones)

		ohlcv := api.Group("/ohlcv")
		{
			ohlcv.GET("/:symbol/:timeframe", s.getOHLCV)
			ohlcv.POST("/fetch/:symbol/:timeframe", s.fetchOHLCV)
		}

		watchlist := api.Group("/watchlist")
		{
			watchlist.GET("", s.getWatchlist)
			watchlist.POST("", s.addWatchlist)
			watchlist.POST("/fetch", s.fetchWatchlist)
			watchlist.DELETE("/:symbol/:timeframe", s.removeWatchlist)
		}

		opti := api.Group("/optimizer")
		{
			opti.POST("/start", s.startOptimizer)
			opti.GET("/progress", s.getOptimizerProgress)
			opti.POST("/cancel", s.cancelOptimizer)
		}
	}
}

func (s *Server) getRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "reversalpro",
		"docs":    "/api/health",
	})
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// Start 启动Web服务器，context 取消时优雅关闭
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}

	go func() {
		logger.Info("🌐 Web服务器启动在 http://%s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ Web服务器启动失败: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("❌ Web服务器关闭失败: %v", err)
		} else {
			logger.Info("✅ Web服务器已关闭")
		}
	}()

	return nil
}

// Stop 立即关闭服务器
func (s *Server) Stop() error {
	if s == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
