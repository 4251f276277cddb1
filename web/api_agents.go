package web

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"reversalpro/signal"
	"reversalpro/storage"
)

// agentRequest 创建/更新代理的请求体
type agentRequest struct {
	Name             string  `json:"name"`
	Symbol           string  `json:"symbol"`
	Timeframe        string  `json:"timeframe"`
	TradeAmount      float64 `json:"trade_amount"`
	Mode             string  `json:"mode"`
	Sensitivity      string  `json:"sensitivity"`
	SignalMode       string  `json:"signal_mode"`
	AnalysisLimit    int     `json:"analysis_limit"`
	ConfirmationBars int     `json:"confirmation_bars"`
	Method           string  `json:"method"`
	ATRLength        int     `json:"atr_length"`
	AverageLength    int     `json:"average_length"`
	AbsoluteReversal float64 `json:"absolute_reversal"`
}

// fieldError 字段级校验错误
type fieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// applyDefaults 填充未提供的字段
func (r *agentRequest) applyDefaults() {
	if r.Mode == "" {
		r.Mode = "paper"
	}
	if r.Sensitivity == "" {
		r.Sensitivity = string(signal.SensitivityMedium)
	}
	if r.SignalMode == "" {
		r.SignalMode = string(signal.ModeConfirmedOnly)
	}
	if r.Method == "" {
		r.Method = string(signal.MethodAverage)
	}
	if r.AnalysisLimit <= 0 {
		r.AnalysisLimit = 500
	}
	if r.ATRLength <= 0 {
		r.ATRLength = 5
	}
	if r.AverageLength <= 0 {
		r.AverageLength = 5
	}
	if r.AbsoluteReversal <= 0 {
		r.AbsoluteReversal = 0.5
	}
}

// validate 校验代理配置，返回全部字段错误
func (r *agentRequest) validate() []fieldError {
	var errs []fieldError

	if r.Name == "" {
		errs = append(errs, fieldError{"name", "名称不能为空"})
	}
	if r.Symbol == "" {
		errs = append(errs, fieldError{"symbol", "交易对不能为空"})
	}
	if !signal.IsValidTimeframe(r.Timeframe) {
		errs = append(errs, fieldError{"timeframe", fmt.Sprintf("不支持的周期: %s", r.Timeframe)})
	}
	if r.TradeAmount <= 0 {
		errs = append(errs, fieldError{"trade_amount", "交易金额必须大于 0"})
	}
	if r.Mode != "paper" && r.Mode != "live" {
		errs = append(errs, fieldError{"mode", fmt.Sprintf("模式只能是 paper 或 live: %s", r.Mode)})
	}
	if !signal.IsValidSensitivity(signal.Sensitivity(r.Sensitivity)) {
		errs = append(errs, fieldError{"sensitivity", fmt.Sprintf("不支持的灵敏度: %s", r.Sensitivity)})
	}
	if !signal.IsValidSignalMode(signal.SignalMode(r.SignalMode)) {
		errs = append(errs, fieldError{"signal_mode", fmt.Sprintf("不支持的信号模式: %s", r.SignalMode)})
	}
	if !signal.IsValidMethod(signal.Method(r.Method)) {
		errs = append(errs, fieldError{"method", fmt.Sprintf("不支持的计算方式: %s", r.Method)})
	}
	if r.ConfirmationBars < 0 || r.ConfirmationBars > 5 {
		errs = append(errs, fieldError{"confirmation_bars", "确认K线数必须在 0 到 5 之间"})
	}
	if r.ATRLength > 50 {
		errs = append(errs, fieldError{"atr_length", "ATR 周期不能超过 50"})
	}
	if r.AverageLength > 50 {
		errs = append(errs, fieldError{"average_length", "平滑周期不能超过 50"})
	}
	if r.AbsoluteReversal > 10 {
		errs = append(errs, fieldError{"absolute_reversal", "绝对反转阈值不能超过 10"})
	}

	return errs
}

// agentView 带统计信息的代理视图
type agentView struct {
	*storage.Agent
	OpenPositions int     `json:"open_positions"`
	TotalTrades   int     `json:"total_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
}

func parseIDParam(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("无效的 %s", name)})
		return 0, false
	}
	return id, true
}

// getAgentsOverview 全部代理及其统计和当前持仓
func (s *Server) getAgentsOverview(c *gin.Context) {
	ctx := c.Request.Context()

	agents, err := s.repo.ListAgents(ctx, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]agentView, 0, len(agents))
	activeCount := 0
	totalRealized := 0.0
	for _, agent := range agents {
		if agent.IsActive {
			activeCount++
		}
		view := agentView{Agent: agent}
		if stats, err := s.repo.GetAgentStats(ctx, agent.ID); err == nil {
			view.OpenPositions = stats.OpenCount
			view.TotalTrades = stats.TotalTrades
			view.WinRate = stats.WinRate
			view.TotalPnL = stats.TotalPnL
			totalRealized += stats.TotalPnL
		}
		views = append(views, view)
	}

	openPositions, err := s.repo.ListAllPositions(ctx, storage.PositionOpen, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agents":               views,
		"open_positions":       openPositions,
		"total_agents":         len(agents),
		"active_agents":        activeCount,
		"total_open_positions": len(openPositions),
		"total_realized_pnl":   totalRealized,
	})
}

// createAgent 创建代理，初始余额等于交易金额
func (s *Server) createAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("无效的请求体: %v", err)})
		return
	}
	req.applyDefaults()

	if errs := req.validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "代理配置无效", "details": errs})
		return
	}

	ctx := c.Request.Context()
	if existing, err := s.repo.GetAgentByName(ctx, req.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	} else if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("代理名称已存在: %s", req.Name)})
		return
	}

	agent := &storage.Agent{
		Name:             req.Name,
		Symbol:           req.Symbol,
		Timeframe:        req.Timeframe,
		TradeAmount:      req.TradeAmount,
		Balance:          req.TradeAmount,
		IsActive:         false,
		Mode:             req.Mode,
		Sensitivity:      req.Sensitivity,
		SignalMode:       req.SignalMode,
		AnalysisLimit:    req.AnalysisLimit,
		ConfirmationBars: req.ConfirmationBars,
		Method:           req.Method,
		ATRLength:        req.ATRLength,
		AverageLength:    req.AverageLength,
		AbsoluteReversal: req.AbsoluteReversal,
	}
	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, agent)
}

func (s *Server) getAgent(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	agent, err := s.repo.GetAgent(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if agent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "代理不存在"})
		return
	}
	c.JSON(http.StatusOK, agent)
}

// agentUpdateRequest 部分更新，未提供的字段保持原值
type agentUpdateRequest struct {
	TradeAmount      *float64 `json:"trade_amount"`
	Mode             *string  `json:"mode"`
	Sensitivity      *string  `json:"sensitivity"`
	SignalMode       *string  `json:"signal_mode"`
	AnalysisLimit    *int     `json:"analysis_limit"`
	ConfirmationBars *int     `json:"confirmation_bars"`
	Method           *string  `json:"method"`
	ATRLength        *int     `json:"atr_length"`
	AverageLength    *int     `json:"average_length"`
	AbsoluteReversal *float64 `json:"absolute_reversal"`
}

func (s *Server) updateAgent(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req agentUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("无效的请求体: %v", err)})
		return
	}

	ctx := c.Request.Context()
	agent, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if agent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "代理不存在"})
		return
	}

	if req.TradeAmount != nil {
		agent.TradeAmount = *req.TradeAmount
	}
	if req.Mode != nil {
		agent.Mode = *req.Mode
	}
	if req.Sensitivity != nil {
		agent.Sensitivity = *req.Sensitivity
	}
	if req.SignalMode != nil {
		agent.SignalMode = *req.SignalMode
	}
	if req.AnalysisLimit != nil {
		agent.AnalysisLimit = *req.AnalysisLimit
	}
	if req.ConfirmationBars != nil {
		agent.ConfirmationBars = *req.ConfirmationBars
	}
	if req.Method != nil {
		agent.Method = *req.Method
	}
	if req.ATRLength != nil {
		agent.ATRLength = *req.ATRLength
	}
	if req.AverageLength != nil {
		agent.AverageLength = *req.AverageLength
	}
	if req.AbsoluteReversal != nil {
		agent.AbsoluteReversal = *req.AbsoluteReversal
	}

	check := agentRequest{
		Name:             agent.Name,
		Symbol:           agent.Symbol,
		Timeframe:        agent.Timeframe,
		TradeAmount:      agent.TradeAmount,
		Mode:             agent.Mode,
		Sensitivity:      agent.Sensitivity,
		SignalMode:       agent.SignalMode,
		AnalysisLimit:    agent.AnalysisLimit,
		ConfirmationBars: agent.ConfirmationBars,
		Method:           agent.Method,
		ATRLength:        agent.ATRLength,
		AverageLength:    agent.AverageLength,
		AbsoluteReversal: agent.AbsoluteReversal,
	}
	if errs := check.validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "代理配置无效", "details": errs})
		return
	}

	if err := s.repo.SaveAgent(ctx, agent); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

// toggleAgent 启停代理
func (s *Server) toggleAgent(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if s.broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "代理服务未启用"})
		return
	}

	ctx := c.Request.Context()
	agent, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if agent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "代理不存在"})
		return
	}

	if agent.IsActive {
		err = s.broker.DeactivateAgent(ctx, id)
	} else {
		err = s.broker.ActivateAgent(ctx, id)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	agent.IsActive = !agent.IsActive
	c.JSON(http.StatusOK, agent)
}

// deleteAgent 删除代理，持仓未平时拒绝
func (s *Server) deleteAgent(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	agent, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if agent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "代理不存在"})
		return
	}

	open, err := s.repo.GetOpenPosition(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if open != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "代理有未平仓位，请先手动平仓"})
		return
	}

	if err := s.repo.DeleteAgent(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "agent_id": id})
}

func (s *Server) getAgentPositions(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	status := c.Query("status")
	limit := intQuery(c, "limit", 100)
	positions, err := s.repo.ListPositions(c.Request.Context(), id, status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "positions": positions})
}

func (s *Server) getAgentLogs(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	limit := intQuery(c, "limit", 50)
	logs, err := s.repo.ListAgentLogs(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "logs": logs})
}

func (s *Server) getAgentStats(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	stats, err := s.repo.GetAgentStats(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// getPositions 持仓列表，可按状态和代理过滤
func (s *Server) getPositions(c *gin.Context) {
	ctx := c.Request.Context()
	status := c.Query("status")
	limit := intQuery(c, "limit", 100)

	if agentIDStr := c.Query("agent_id"); agentIDStr != "" {
		agentID, err := strconv.ParseUint(agentIDStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "无效的 agent_id"})
			return
		}
		positions, err := s.repo.ListPositions(ctx, agentID, status, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"positions": positions})
		return
	}

	positions, err := s.repo.ListAllPositions(ctx, status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

// closePosition 手动平仓
func (s *Server) closePosition(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if s.broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "代理服务未启用"})
		return
	}

	pos, err := s.broker.ClosePositionManually(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if pos == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "仓位不是持仓状态"})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
