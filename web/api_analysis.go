package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"reversalpro/signal"
)

// analysisRequest 单次分析请求
type analysisRequest struct {
	Symbol           string  `json:"symbol"`
	Timeframe        string  `json:"timeframe"`
	Limit            int     `json:"limit"`
	Sensitivity      string  `json:"sensitivity"`
	SignalMode       string  `json:"signal_mode"`
	ConfirmationBars int     `json:"confirmation_bars"`
	Method           string  `json:"method"`
	ATRLength        int     `json:"atr_length"`
	AverageLength    int     `json:"average_length"`
	AbsoluteReversal float64 `json:"absolute_reversal"`
}

// runAnalysis 拉取K线并执行一次完整检测
func (s *Server) runAnalysis(c *gin.Context) {
	if s.analysis == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "分析服务未启用"})
		return
	}

	var req analysisRequest
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

	params := signal.DefaultParams(req.Timeframe)
	if req.Sensitivity != "" {
		params.Sensitivity = signal.Sensitivity(req.Sensitivity)
	}
	if req.SignalMode != "" {
		params.Mode = signal.SignalMode(req.SignalMode)
	}
	if req.Method != "" {
		params.Method = signal.Method(req.Method)
	}
	if req.ATRLength > 0 {
		params.ATRLength = req.ATRLength
	}
	if req.AverageLength > 0 {
		params.AverageLength = req.AverageLength
	}
	if req.ConfirmationBars > 0 {
		params.ConfirmationBars = req.ConfirmationBars
	}
	if req.AbsoluteReversal > 0 {
		params.AbsoluteReversal = req.AbsoluteReversal
	}

	result, err := s.analysis.Run(c.Request.Context(), req.Symbol, req.Limit, params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"symbol":        result.Symbol,
		"timeframe":     result.Timeframe,
		"candles":       len(result.Candles),
		"signals":       len(result.Analysis.Signals),
		"new_confirmed": len(result.NewConfirmed),
		"zones":         len(result.Analysis.Zones),
		"atr":           result.Analysis.CurrentATR,
		"threshold":     result.Analysis.CurrentThreshold,
	}
	if result.Analysis.CurrentTrend != nil {
		resp["current_trend"] = result.Analysis.CurrentTrend.State
	}
	c.JSON(http.StatusOK, resp)
}

// getSignals 已入库的反转信号，预览信号包含在内
func (s *Server) getSignals(c *gin.Context) {
	symbol := c.Param("symbol")
	timeframe := c.Param("timeframe")
	limit := intQuery(c, "limit", 50)

	signals, err := s.repo.GetSignals(c.Request.Context(), symbol, timeframe, limit, true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"timeframe": timeframe,
		"signals":   signals,
	})
}

// getZones 当前供需区
func (s *Server) getZones(c *gin.Context) {
	symbol := c.Param("symbol")
	timeframe := c.Param("timeframe")

	zones, err := s.repo.GetZones(c.Request.Context(), symbol, timeframe)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"timeframe": timeframe,
		"zones":     zones,
	})
}
