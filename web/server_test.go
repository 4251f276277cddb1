package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reversalpro/analysis"
	"reversalpro/broker"
	"reversalpro/database"
	"reversalpro/exchange"
	"reversalpro/indicators"
	"reversalpro/optimizer"
	"reversalpro/storage"
)

// stubBars 固定行情数据源
type stubBars struct {
	candles []indicators.Candle
	price   float64
}

func (sb *stubBars) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]indicators.Candle, error) {
	if limit > 0 && limit < len(sb.candles) {
		return sb.candles[len(sb.candles)-limit:], nil
	}
	return sb.candles, nil
}

func (sb *stubBars) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return sb.price, nil
}

// vShapeCandles 先跌后涨的V形K线
func vShapeCandles() []indicators.Candle {
	closes := make([]float64, 0, 60)
	price := 120.0
	for i := 0; i < 30; i++ {
		closes = append(closes, price)
		price -= 2.0
	}
	for i := 0; i < 30; i++ {
		closes = append(closes, price)
		price += 2.0
	}
	candles := make([]indicators.Candle, len(closes))
	for i, c := range closes {
		candles[i] = indicators.Candle{
			Time:   int64(1700000000000 + i*3600000),
			Open:   c,
			High:   c + 0.5,
			Low:    c - 0.5,
			Close:  c,
			Volume: 1000,
		}
	}
	return candles
}

func newTestServer(t *testing.T) (*Server, *storage.Repository) {
	t.Helper()
	db, err := database.Open(&database.DBConfig{Type: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	repo, err := storage.NewRepository(db)
	if err != nil {
		t.Fatalf("初始化存储失败: %v", err)
	}

	bars := &stubBars{candles: vShapeCandles(), price: 105}
	analysisService := analysis.NewService(repo, bars, nil)
	brokerService := broker.NewBroker(repo, analysisService, bars,
		nil, exchange.NewPaperClient(), nil, nil, false)
	opt := optimizer.NewOptimizer(repo, nil)

	s := NewServer(nil, repo, analysisService, brokerService, opt, bars)
	if s == nil {
		t.Fatal("创建服务器失败")
	}
	return s, repo
}

func (s *Server) perform(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析响应失败: %v, 原始 %s", err, w.Body.String())
	}
	return body
}

func validAgentBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":         name,
		"symbol":       "BTCUSDT",
		"timeframe":    "1h",
		"trade_amount": 200.0,
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.perform(http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("健康检查应返回 200, 实际 %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Fatalf("健康状态应为 ok, 实际 %v", body["status"])
	}
}

func TestCreateAgentValidation(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.perform(http.MethodPost, "/api/agents", map[string]interface{}{
		"symbol":       "BTCUSDT",
		"timeframe":    "7m",
		"trade_amount": 0,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("无效配置应返回 400, 实际 %d", w.Code)
	}
	body := decodeBody(t, w)
	details, ok := body["details"].([]interface{})
	if !ok || len(details) < 3 {
		t.Fatalf("应返回逐字段错误, 实际 %v", body["details"])
	}

	w = s.perform(http.MethodPost, "/api/agents", validAgentBody("web_agent"))
	if w.Code != http.StatusCreated {
		t.Fatalf("合法配置应返回 201, 实际 %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	if created["balance"] != 200.0 {
		t.Fatalf("初始余额应等于交易金额, 实际 %v", created["balance"])
	}
	if created["is_active"] != false {
		t.Fatal("新建代理应为未激活状态")
	}

	w = s.perform(http.MethodPost, "/api/agents", validAgentBody("web_agent"))
	if w.Code != http.StatusConflict {
		t.Fatalf("重复名称应返回 409, 实际 %d", w.Code)
	}
}

func TestToggleAgent(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	agent := &storage.Agent{
		Name: "toggle_agent", Symbol: "BTCUSDT", Timeframe: "1h",
		TradeAmount: 100, Balance: 100, Mode: "paper",
		Sensitivity: "Medium", SignalMode: "Confirmed Only",
		AnalysisLimit: 500, Method: "average",
		ATRLength: 5, AverageLength: 5, AbsoluteReversal: 0.5,
	}
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("创建代理失败: %v", err)
	}

	path := fmt.Sprintf("/api/agents/%d/toggle", agent.ID)
	w := s.perform(http.MethodPatch, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("启动代理应返回 200, 实际 %d: %s", w.Code, w.Body.String())
	}

	reloaded, err := repo.GetAgent(ctx, agent.ID)
	if err != nil || reloaded == nil {
		t.Fatalf("重新加载代理失败: %v", err)
	}
	if !reloaded.IsActive {
		t.Fatal("代理应已激活")
	}

	w = s.perform(http.MethodPatch, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("停止代理应返回 200, 实际 %d", w.Code)
	}
	reloaded, _ = repo.GetAgent(ctx, agent.ID)
	if reloaded.IsActive {
		t.Fatal("代理应已停止")
	}
}

func TestDeleteAgentWithOpenPosition(t *testing.T) {
	s, repo := newTestServer(t)
	ctx := context.Background()

	agent := &storage.Agent{
		Name: "del_agent", Symbol: "BTCUSDT", Timeframe: "1h",
		TradeAmount: 100, Balance: 0, Mode: "paper",
		Sensitivity: "Medium", SignalMode: "Confirmed Only",
		AnalysisLimit: 500, Method: "average",
		ATRLength: 5, AverageLength: 5, AbsoluteReversal: 0.5,
	}
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("创建代理失败: %v", err)
	}
	pos := &storage.AgentPosition{
		AgentID: agent.ID, Symbol: "BTCUSDT", Side: storage.SideLong,
		EntryPrice: 100, StopLoss: 98, OriginalStopLoss: 98,
		TakeProfit: 103, TP2: 104.5, Quantity: 1, OriginalQuantity: 1,
		Invested: 100, Status: storage.PositionOpen,
		BestPrice: 100, OpenedAt: time.Now(),
	}
	if err := repo.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}

	w := s.perform(http.MethodDelete, fmt.Sprintf("/api/agents/%d", agent.ID), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("有持仓时删除应返回 409, 实际 %d", w.Code)
	}

	// 手动平仓后可以删除
	w = s.perform(http.MethodPost, fmt.Sprintf("/api/positions/%d/close", pos.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("手动平仓应返回 200, 实际 %d: %s", w.Code, w.Body.String())
	}
	closed := decodeBody(t, w)
	if closed["status"] != storage.PositionClosed {
		t.Fatalf("平仓后状态应为 CLOSED, 实际 %v", closed["status"])
	}
	if closed["close_reason"] != "MANUAL_CLOSE" {
		t.Fatalf("平仓原因应为 MANUAL_CLOSE, 实际 %v", closed["close_reason"])
	}

	w = s.perform(http.MethodDelete, fmt.Sprintf("/api/agents/%d", agent.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("平仓后删除应返回 200, 实际 %d", w.Code)
	}
}

func TestWatchlistCRUD(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.perform(http.MethodPost, "/api/watchlist", map[string]interface{}{
		"symbol":    "ETHUSDT",
		"timeframe": "4h",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("添加自选应返回 200, 实际 %d: %s", w.Code, w.Body.String())
	}

	w = s.perform(http.MethodGet, "/api/watchlist", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("自选列表应返回 200, 实际 %d", w.Code)
	}
	body := decodeBody(t, w)
	items, ok := body["items"].([]interface{})
	if !ok || len(items) != 1 {
		t.Fatalf("自选列表应有 1 项, 实际 %v", body["items"])
	}

	w = s.perform(http.MethodDelete, "/api/watchlist/ETHUSDT/4h", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("移除自选应返回 200, 实际 %d", w.Code)
	}

	w = s.perform(http.MethodGet, "/api/watchlist", nil)
	body = decodeBody(t, w)
	if items, _ := body["items"].([]interface{}); len(items) != 0 {
		t.Fatalf("移除后自选列表应为空, 实际 %v", body["items"])
	}
}

func TestFetchAndGetOHLCV(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.perform(http.MethodPost, "/api/ohlcv/fetch/BTCUSDT/1h", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("拉取K线应返回 200, 实际 %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["bars_stored"] != 60.0 {
		t.Fatalf("应入库 60 根K线, 实际 %v", body["bars_stored"])
	}

	w = s.perform(http.MethodGet, "/api/ohlcv/BTCUSDT/1h", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("查询K线应返回 200, 实际 %d", w.Code)
	}
	body = decodeBody(t, w)
	if body["count"] != 60.0 {
		t.Fatalf("应返回 60 根K线, 实际 %v", body["count"])
	}
}

func TestRunAnalysisAndQuerySignals(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.perform(http.MethodPost, "/api/analysis/run", map[string]interface{}{
		"symbol":    "BTCUSDT",
		"timeframe": "1h",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("分析应返回 200, 实际 %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["candles"] != 60.0 {
		t.Fatalf("应分析 60 根K线, 实际 %v", body["candles"])
	}
	signalCount, ok := body["signals"].(float64)
	if !ok || signalCount < 1 {
		t.Fatalf("V形行情应检出信号, 实际 %v", body["signals"])
	}

	w = s.perform(http.MethodGet, "/api/signals/BTCUSDT/1h", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("信号查询应返回 200, 实际 %d", w.Code)
	}
	body = decodeBody(t, w)
	if signals, _ := body["signals"].([]interface{}); len(signals) < 1 {
		t.Fatalf("应返回入库信号, 实际 %v", body["signals"])
	}

	w = s.perform(http.MethodGet, "/api/zones/BTCUSDT/1h", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("供需区查询应返回 200, 实际 %d", w.Code)
	}

	// 无效周期直接拒绝
	w = s.perform(http.MethodPost, "/api/analysis/run", map[string]interface{}{
		"symbol":    "BTCUSDT",
		"timeframe": "7m",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("无效周期应返回 400, 实际 %d", w.Code)
	}
}

func TestOptimizerEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := s.perform(http.MethodGet, "/api/optimizer/progress", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("进度查询应返回 200, 实际 %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "idle" {
		t.Fatalf("初始状态应为 idle, 实际 %v", body["status"])
	}

	w = s.perform(http.MethodPost, "/api/optimizer/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("空闲时取消应返回 409, 实际 %d", w.Code)
	}

	w = s.perform(http.MethodPost, "/api/optimizer/start", map[string]interface{}{
		"symbol":            "BTCUSDT",
		"timeframes":        []string{"1h"},
		"sensitivity":       "Medium",
		"signal_mode":       "Confirmed Only",
		"confirmation_bars": 0,
		"atr_length":        5,
		"average_length":    5,
		"absolute_reversal": 0.5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("启动优化应返回 200, 实际 %d: %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w = s.perform(http.MethodGet, "/api/optimizer/progress", nil)
		if body := decodeBody(t, w); body["status"] == "done" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("等待优化完成超时")
}
