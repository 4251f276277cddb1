package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"reversalpro/signal"
	"reversalpro/storage"
)

// barView K线响应
type barView struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// getOHLCV 已入库的K线数据
func (s *Server) getOHLCV(c *gin.Context) {
	symbol := c.Param("symbol")
	timeframe := c.Param("timeframe")
	limit := intQuery(c, "limit", 500)

	candles, err := s.repo.GetBars(c.Request.Context(), symbol, timeframe, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	bars := make([]barView, len(candles))
	for i, candle := range candles {
		bars[i] = barView{
			Time:   candle.Time,
			Open:   candle.Open,
			High:   candle.High,
			Low:    candle.Low,
			Close:  candle.Close,
			Volume: candle.Volume,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"timeframe": timeframe,
		"count":     len(bars),
		"bars":      bars,
	})
}

// fetchOHLCV 从交易所拉取K线并入库
func (s *Server) fetchOHLCV(c *gin.Context) {
	if s.bars == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "行情数据源未启用"})
		return
	}

	symbol := c.Param("symbol")
	timeframe := c.Param("timeframe")
	limit := intQuery(c, "limit", 500)

	if !signal.IsValidTimeframe(timeframe) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持的周期: " + timeframe})
		return
	}

	ctx := c.Request.Context()
	candles, err := s.bars.GetKlines(ctx, symbol, timeframe, limit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if err := s.repo.SaveBars(ctx, symbol, timeframe, candles); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"symbol":      symbol,
		"timeframe":   timeframe,
		"bars_stored": len(candles),
	})
}

// getWatchlist 自选列表
func (s *Server) getWatchlist(c *gin.Context) {
	items, err := s.repo.ListWatchlist(c.Request.Context(), false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// addWatchlist 添加或更新自选项
func (s *Server) addWatchlist(c *gin.Context) {
	var req struct {
		Symbol    string `json:"symbol"`
		Timeframe string `json:"timeframe"`
		Exchange  string `json:"exchange"`
		IsActive  *bool  `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "交易对不能为空"})
		return
	}
	if req.Timeframe == "" {
		req.Timeframe = "1h"
	}
	if !signal.IsValidTimeframe(req.Timeframe) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持的周期: " + req.Timeframe})
		return
	}
	if req.Exchange == "" {
		req.Exchange = "binance"
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	item := &storage.Watchlist{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Exchange:  req.Exchange,
		IsActive:  active,
		AddedAt:   time.Now(),
	}
	if err := s.repo.UpsertWatchlist(c.Request.Context(), item); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

// removeWatchlist 移除自选项
func (s *Server) removeWatchlist(c *gin.Context) {
	symbol := c.Param("symbol")
	timeframe := c.Param("timeframe")

	if err := s.repo.RemoveWatchlist(c.Request.Context(), symbol, timeframe); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "symbol": symbol, "timeframe": timeframe})
}

// fetchWatchlist 批量拉取全部活跃自选项的K线
func (s *Server) fetchWatchlist(c *gin.Context) {
	if s.bars == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "行情数据源未启用"})
		return
	}

	ctx := c.Request.Context()
	items, err := s.repo.ListWatchlist(ctx, true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	report := make([]gin.H, 0, len(items))
	for _, item := range items {
		candles, err := s.bars.GetKlines(ctx, item.Symbol, item.Timeframe, 500)
		if err == nil {
			err = s.repo.SaveBars(ctx, item.Symbol, item.Timeframe, candles)
		}
		entry := gin.H{"symbol": item.Symbol, "timeframe": item.Timeframe}
		if err != nil {
			entry["error"] = err.Error()
		} else {
			entry["bars_stored"] = len(candles)
		}
		report = append(report, entry)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "report": report})
}
