package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"reversalpro/optimizer"
)

// optimizerStartRequest 请求体中提供的参数被锁定，其余参数走完整网格
type optimizerStartRequest struct {
	Symbol string `json:"symbol"`
	optimizer.FixedParams
}

// startOptimizer 启动后台网格搜索
func (s *Server) startOptimizer(c *gin.Context) {
	if s.optimizer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "优化器未启用"})
		return
	}

	var req optimizerStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Symbol == "" && s.cfg != nil {
		req.Symbol = s.cfg.Analysis.DefaultSymbol
	}
	if req.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "交易对不能为空"})
		return
	}

	// 优化任务跨越请求生命周期，不能挂在请求 context 上
	if err := s.optimizer.Start(context.Background(), req.Symbol, req.FixedParams); err != nil {
		if errors.Is(err, optimizer.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "已有优化任务在运行"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "started",
		"symbol":       req.Symbol,
		"fixed_params": req.FixedParams,
	})
}

// getOptimizerProgress 轮询优化进度
func (s *Server) getOptimizerProgress(c *gin.Context) {
	if s.optimizer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "优化器未启用"})
		return
	}
	c.JSON(http.StatusOK, s.optimizer.Progress())
}

// cancelOptimizer 取消正在运行的优化任务
func (s *Server) cancelOptimizer(c *gin.Context) {
	if s.optimizer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "优化器未启用"})
		return
	}
	if !s.optimizer.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "当前没有运行中的优化任务"})
		return
	}
	s.optimizer.Cancel()
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}
