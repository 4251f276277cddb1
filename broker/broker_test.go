package broker

import (
	"context"
	"strings"
	"testing"
	"time"

	"reversalpro/database"
	"reversalpro/exchange"
	"reversalpro/indicators"
	"reversalpro/storage"
)

type stubBars struct {
	price float64
}

func (s *stubBars) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]indicators.Candle, error) {
	return nil, nil
}

func (s *stubBars) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return s.price, nil
}

func newTestBroker(t *testing.T) (*Broker, *storage.Repository) {
	t.Helper()
	db, err := database.Open(&database.DBConfig{Type: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	repo, err := storage.NewRepository(db)
	if err != nil {
		t.Fatalf("初始化存储失败: %v", err)
	}
	paper := exchange.NewPaperClient()
	b := NewBroker(repo, nil, &stubBars{price: 100}, nil, paper, nil, nil, false)
	return b, repo
}

func newTestAgent(t *testing.T, repo *storage.Repository, balance float64) *storage.Agent {
	t.Helper()
	agent := &storage.Agent{
		Name:          "test_agent",
		Symbol:        "BTCUSDT",
		Timeframe:     "1h",
		TradeAmount:   100,
		Balance:       balance,
		Mode:          storage.ModePaper,
		Sensitivity:   "Medium",
		SignalMode:    "Confirmed Only",
		AnalysisLimit: 500,
		Method:        "average",
		ATRLength:     5,
		AverageLength: 5,
	}
	if err := repo.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("创建代理失败: %v", err)
	}
	return agent
}

// insertSignal 直接写入一条确认信号
func insertSignal(t *testing.T, repo *storage.Repository, sigTime, detectedAt time.Time, isBullish bool, price float64) *storage.Signal {
	t.Helper()
	sig := &storage.Signal{
		Time:        sigTime,
		Symbol:      "BTCUSDT",
		Timeframe:   "1h",
		IsBullish:   isBullish,
		Price:       price,
		ActualPrice: price,
		SignalLabel: "REVERSAL",
		DetectedAt:  detectedAt,
	}
	if err := repo.DB().Create(sig).Error; err != nil {
		t.Fatalf("写入信号失败: %v", err)
	}
	return sig
}

func lastSkipReason(t *testing.T, repo *storage.Repository, agentID uint64) string {
	t.Helper()
	logs, err := repo.ListAgentLogs(context.Background(), agentID, 20)
	if err != nil {
		t.Fatalf("查询代理日志失败: %v", err)
	}
	for _, l := range logs {
		if l.Action == "TRADE_SKIPPED" {
			return l.Details
		}
	}
	return ""
}

func TestHandleNoPosition_OpensOnFreshSignal(t *testing.T) {
	b, repo := newTestBroker(t)
	agent := newTestAgent(t, repo, 100)
	ctx := context.Background()

	now := time.Now().UTC()
	insertSignal(t, repo, now.Add(-time.Hour), now, true, 99)

	if err := b.handleNoPosition(ctx, agent, 100); err != nil {
		t.Fatalf("处理失败: %v", err)
	}

	pos, err := repo.GetOpenPosition(ctx, agent.ID)
	if err != nil {
		t.Fatalf("查询持仓失败: %v", err)
	}
	if pos == nil {
		t.Fatal("应开出多头持仓")
	}
	if pos.Side != storage.SideLong {
		t.Errorf("方向应为 LONG, 得到 %s", pos.Side)
	}
	if pos.StopLoss >= pos.EntryPrice {
		t.Errorf("多头止损应低于入场价: SL=%f entry=%f", pos.StopLoss, pos.EntryPrice)
	}
	if pos.TakeProfit <= pos.EntryPrice {
		t.Errorf("多头止盈应高于入场价: TP=%f entry=%f", pos.TakeProfit, pos.EntryPrice)
	}
	if pos.TP2 <= pos.TakeProfit {
		t.Errorf("TP2 应高于 TP1: TP2=%f TP1=%f", pos.TP2, pos.TakeProfit)
	}
	if pos.StopLoss != pos.OriginalStopLoss {
		t.Errorf("初始止损应等于当前止损: %f vs %f", pos.OriginalStopLoss, pos.StopLoss)
	}

	// 全仓开仓后余额归零
	fresh, _ := repo.GetAgent(ctx, agent.ID)
	if fresh.Balance != 0 {
		t.Errorf("开仓后余额应为 0, 得到 %f", fresh.Balance)
	}

	// 同一信号不应重复开仓
	if err := b.handleNoPosition(ctx, agent, 100); err != nil {
		t.Fatalf("重复处理失败: %v", err)
	}
	open, _ := repo.ListPositions(ctx, agent.ID, storage.PositionOpen, 10)
	if len(open) != 1 {
		t.Errorf("同一信号不应重复开仓, 持仓数 %d", len(open))
	}
}

func TestHandleNoPosition_SkipPrecedence(t *testing.T) {
	b, repo := newTestBroker(t)
	// 余额为 0 且信号过期: 过期检查优先于余额检查
	agent := newTestAgent(t, repo, 0)
	ctx := context.Background()

	now := time.Now().UTC()
	// 1h 保鲜预算 6 根K线, 10 小时前检出的信号已过期
	insertSignal(t, repo, now.Add(-11*time.Hour), now.Add(-10*time.Hour), true, 99)

	if err := b.handleNoPosition(ctx, agent, 100); err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	details := lastSkipReason(t, repo, agent.ID)
	if details == "" {
		t.Fatal("应记录跳过日志")
	}
	if !strings.Contains(details, SkipSignalStale) {
		t.Errorf("跳过原因应为 signal_stale, 得到 %s", details)
	}
}

func TestHandleNoPosition_NoBalance(t *testing.T) {
	b, repo := newTestBroker(t)
	agent := newTestAgent(t, repo, 0)
	ctx := context.Background()

	now := time.Now().UTC()
	insertSignal(t, repo, now.Add(-time.Hour), now, true, 99)

	if err := b.handleNoPosition(ctx, agent, 100); err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	details := lastSkipReason(t, repo, agent.ID)
	if !strings.Contains(details, SkipNoBalance) {
		t.Errorf("跳过原因应为 no_balance, 得到 %s", details)
	}
}

func TestClosePosition_RestoresBalance(t *testing.T) {
	b, repo := newTestBroker(t)
	agent := newTestAgent(t, repo, 100)
	ctx := context.Background()

	now := time.Now().UTC()
	insertSignal(t, repo, now.Add(-time.Hour), now, true, 99)
	if err := b.handleNoPosition(ctx, agent, 100); err != nil {
		t.Fatalf("开仓失败: %v", err)
	}
	pos, _ := repo.GetOpenPosition(ctx, agent.ID)
	if pos == nil {
		t.Fatal("应有持仓")
	}

	// 以 102 平仓: 盈亏 = (102-100)*数量, 余额 = 投入 + 盈亏
	closed, err := b.closePosition(ctx, agent, pos, 102, "TAKE_PROFIT")
	if err != nil {
		t.Fatalf("平仓失败: %v", err)
	}
	if closed.Status != storage.PositionClosed {
		t.Errorf("状态应为 CLOSED, 得到 %s", closed.Status)
	}

	fresh, _ := repo.GetAgent(ctx, agent.ID)
	wantBalance := pos.Invested + closed.PnL
	if diff := fresh.Balance - wantBalance; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("余额应恢复为投入+盈亏 %f, 得到 %f", wantBalance, fresh.Balance)
	}
	if closed.PnL <= 0 {
		t.Errorf("盈利平仓的盈亏应为正, 得到 %f", closed.PnL)
	}
}

func TestCheckStopLoss_TrailingReason(t *testing.T) {
	b, repo := newTestBroker(t)
	agent := newTestAgent(t, repo, 0)
	ctx := context.Background()

	// 止损已从初始位 98 抬升到 101: 触发时按追踪止损结算
	pos := &storage.AgentPosition{
		AgentID: agent.ID, Symbol: "BTCUSDT", Side: storage.SideLong,
		EntryPrice: 100, StopLoss: 101, OriginalStopLoss: 98,
		TakeProfit: 110, Quantity: 1, OriginalQuantity: 1,
		Invested: 100, BestPrice: 103, Status: storage.PositionOpen,
		OpenedAt: time.Now().UTC().Add(-4 * time.Hour),
	}
	if err := repo.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}

	closed, err := b.checkStopLoss(ctx, agent, pos, 100.5, 100.5, 101.5)
	if err != nil {
		t.Fatalf("止损检查失败: %v", err)
	}
	if !closed {
		t.Fatal("影线触及止损应平仓")
	}
	if pos.Status != storage.PositionStopped {
		t.Errorf("状态应为 STOPPED, 得到 %s", pos.Status)
	}
	if pos.CloseReason != "TRAILING_STOP" {
		t.Errorf("平仓原因应为 TRAILING_STOP, 得到 %s", pos.CloseReason)
	}
	// 追踪止损在入场价上方触发, 仍是盈利出场
	if pos.PnL <= 0 {
		t.Errorf("追踪止损出场应为盈利, 得到 %f", pos.PnL)
	}
}

func TestCheckBreakeven(t *testing.T) {
	b, repo := newTestBroker(t)
	agent := newTestAgent(t, repo, 0)
	ctx := context.Background()

	pos := &storage.AgentPosition{
		AgentID: agent.ID, Symbol: "BTCUSDT", Side: storage.SideLong,
		EntryPrice: 100, StopLoss: 98, OriginalStopLoss: 98,
		TakeProfit: 110, Quantity: 1, Invested: 100,
		Status: storage.PositionOpen, OpenedAt: time.Now().UTC(),
	}
	if err := repo.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}

	// 盈利不足 1 倍风险: 不动
	moved, err := b.checkBreakeven(ctx, agent, pos, 101)
	if err != nil {
		t.Fatalf("保本检查失败: %v", err)
	}
	if moved || pos.StopLoss != 98 {
		t.Errorf("盈利不足时不应移动止损: moved=%v SL=%f", moved, pos.StopLoss)
	}

	// 盈利达到 1 倍风险 (2): 止损移至入场价
	moved, err = b.checkBreakeven(ctx, agent, pos, 102)
	if err != nil {
		t.Fatalf("保本检查失败: %v", err)
	}
	if !moved || pos.StopLoss != 100 {
		t.Errorf("应移动止损到入场价: moved=%v SL=%f", moved, pos.StopLoss)
	}

	// 已在保本位: 不再重复触发
	moved, _ = b.checkBreakeven(ctx, agent, pos, 105)
	if moved {
		t.Error("保本后不应重复触发")
	}
}

func TestCheckTrailingStop_Monotonic(t *testing.T) {
	b, repo := newTestBroker(t)
	agent := newTestAgent(t, repo, 0)
	ctx := context.Background()

	// 追踪止损依赖最新分析的 ATR
	if err := repo.SaveAnalysisRun(ctx, &storage.AnalysisRun{
		Symbol: "BTCUSDT", Timeframe: "1h", CurrentATR: 1.0,
	}); err != nil {
		t.Fatalf("保存分析记录失败: %v", err)
	}

	// 止损已在保本位
	pos := &storage.AgentPosition{
		AgentID: agent.ID, Symbol: "BTCUSDT", Side: storage.SideLong,
		EntryPrice: 100, StopLoss: 100, OriginalStopLoss: 98,
		TakeProfit: 110, Quantity: 1, Invested: 100, BestPrice: 100,
		Status: storage.PositionOpen, OpenedAt: time.Now().UTC(),
	}
	if err := repo.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}

	// 最高价 104, 1h 追踪倍数 1.5: SL -> 104 - 1.5 = 102.5
	moved, err := b.checkTrailingStop(ctx, agent, pos, 103.5, 103, 104)
	if err != nil {
		t.Fatalf("追踪检查失败: %v", err)
	}
	if !moved || pos.StopLoss != 102.5 {
		t.Errorf("止损应上移到 102.5: moved=%v SL=%f", moved, pos.StopLoss)
	}

	// 价格回落: 止损不得下移
	moved, err = b.checkTrailingStop(ctx, agent, pos, 101, 100.5, 101.5)
	if err != nil {
		t.Fatalf("追踪检查失败: %v", err)
	}
	if moved || pos.StopLoss != 102.5 {
		t.Errorf("止损不应回撤: moved=%v SL=%f", moved, pos.StopLoss)
	}
}

func TestCheckTakeProfit_PartialThenFull(t *testing.T) {
	b, repo := newTestBroker(t)
	agent := newTestAgent(t, repo, 0)
	ctx := context.Background()

	pos := &storage.AgentPosition{
		AgentID: agent.ID, Symbol: "BTCUSDT", Side: storage.SideLong,
		EntryPrice: 100, StopLoss: 98, OriginalStopLoss: 98,
		TakeProfit: 106, TP2: 109, Quantity: 2, OriginalQuantity: 2,
		Invested: 200, BestPrice: 100,
		Status: storage.PositionOpen, OpenedAt: time.Now().UTC(),
	}
	if err := repo.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}

	// 第一段: TP1 触发平一半, SL 移到入场价, 目标切到 TP2
	closed, err := b.checkTakeProfit(ctx, agent, pos, 106.5, 105, 106.5)
	if err != nil {
		t.Fatalf("止盈检查失败: %v", err)
	}
	if closed {
		t.Fatal("部分止盈后持仓应保持打开")
	}
	if !pos.PartialClosed {
		t.Fatal("应标记部分止盈")
	}
	if pos.Quantity != 1 {
		t.Errorf("剩余数量应为 1, 得到 %f", pos.Quantity)
	}
	if pos.PartialPnL != 6 {
		t.Errorf("部分盈亏应为 (106-100)*1 = 6, 得到 %f", pos.PartialPnL)
	}
	if pos.StopLoss != 100 {
		t.Errorf("部分止盈后止损应移到入场价, 得到 %f", pos.StopLoss)
	}
	if pos.TakeProfit != 109 {
		t.Errorf("目标应切换到 TP2=109, 得到 %f", pos.TakeProfit)
	}

	// 第二段: TP2 触发全平, 总盈亏 = 部分 + 剩余
	closed, err = b.checkTakeProfit(ctx, agent, pos, 109.5, 108, 109.5)
	if err != nil {
		t.Fatalf("止盈检查失败: %v", err)
	}
	if !closed {
		t.Fatal("TP2 触发应全部平仓")
	}
	if pos.CloseReason != "TAKE_PROFIT_2" {
		t.Errorf("平仓原因应为 TAKE_PROFIT_2, 得到 %s", pos.CloseReason)
	}
	// 总盈亏 = 6 (部分) + (109-100)*1 = 15
	if pos.PnL != 15 {
		t.Errorf("总盈亏应为 15, 得到 %f", pos.PnL)
	}

	fresh, _ := repo.GetAgent(ctx, agent.ID)
	if fresh.Balance != 215 {
		t.Errorf("余额应为投入 200 + 盈亏 15 = 215, 得到 %f", fresh.Balance)
	}
}

func TestCheckTakeProfit_PartialKeepsTrailedStop(t *testing.T) {
	b, repo := newTestBroker(t)
	agent := newTestAgent(t, repo, 0)
	ctx := context.Background()

	// 追踪止损已抬到 103, 高于入场价
	pos := &storage.AgentPosition{
		AgentID: agent.ID, Symbol: "BTCUSDT", Side: storage.SideLong,
		EntryPrice: 100, StopLoss: 103, OriginalStopLoss: 98,
		TakeProfit: 106, TP2: 109, Quantity: 2, OriginalQuantity: 2,
		Invested: 200, BestPrice: 104.5,
		Status: storage.PositionOpen, OpenedAt: time.Now().UTC(),
	}
	if err := repo.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}

	closed, err := b.checkTakeProfit(ctx, agent, pos, 106.5, 105, 106.5)
	if err != nil {
		t.Fatalf("止盈检查失败: %v", err)
	}
	if closed || !pos.PartialClosed {
		t.Fatalf("应部分止盈并保持打开: closed=%v partial=%v", closed, pos.PartialClosed)
	}
	if pos.StopLoss != 103 {
		t.Errorf("部分止盈不应把止损从 103 退回, 得到 %f", pos.StopLoss)
	}
	if pos.TakeProfit != 109 {
		t.Errorf("目标应切换到 TP2=109, 得到 %f", pos.TakeProfit)
	}

	// 空头对称: 止损已压到 97, 不得放松回入场价
	short := &storage.AgentPosition{
		AgentID: agent.ID, Symbol: "BTCUSDT", Side: storage.SideShort,
		EntryPrice: 100, StopLoss: 97, OriginalStopLoss: 102,
		TakeProfit: 94, TP2: 91, Quantity: 2, OriginalQuantity: 2,
		Invested: 200, BestPrice: 95.5,
		Status: storage.PositionOpen, OpenedAt: time.Now().UTC(),
	}
	if err := repo.CreatePosition(ctx, short); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}
	if _, err := b.checkTakeProfit(ctx, agent, short, 93.5, 93.5, 95); err != nil {
		t.Fatalf("止盈检查失败: %v", err)
	}
	if short.StopLoss != 97 {
		t.Errorf("空头止损不应从 97 放松, 得到 %f", short.StopLoss)
	}
}

func TestHandleNoPosition_WhipsawCooldownAfterStopOut(t *testing.T) {
	b, repo := newTestBroker(t)
	agent := newTestAgent(t, repo, 100)
	ctx := context.Background()

	now := time.Now().UTC()
	closedAt := now.Add(-2 * time.Minute)
	prevSigTime := now.Add(-3 * time.Hour)
	bullish := true
	stopped := &storage.AgentPosition{
		AgentID: agent.ID, Symbol: "BTCUSDT", Side: storage.SideLong,
		EntryPrice: 100, StopLoss: 98, OriginalStopLoss: 98,
		TakeProfit: 106, Quantity: 1, Invested: 100,
		Status: storage.PositionStopped, CloseReason: "STOP_LOSS",
		OpenedAt: now.Add(-10 * time.Minute), ClosedAt: &closedAt,
		EntrySignalTime: &prevSigTime, EntrySignalIsBullish: &bullish,
	}
	if err := repo.CreatePosition(ctx, stopped); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}

	// 止损出局仅数分钟, 新信号不立即重新开仓
	insertSignal(t, repo, now.Add(-time.Minute), now, true, 99)

	if err := b.handleNoPosition(ctx, agent, 100); err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	open, _ := repo.GetOpenPosition(ctx, agent.ID)
	if open != nil {
		t.Error("冷却期内不应重新开仓")
	}
	details := lastSkipReason(t, repo, agent.ID)
	if !strings.Contains(details, SkipWhipsawCooldown) {
		t.Errorf("跳过原因应为 whipsaw_cooldown, 得到 %s", details)
	}
}

func TestHandleNoPosition_NoBalanceBeforeWhipsaw(t *testing.T) {
	b, repo := newTestBroker(t)
	// 余额为 0 且处于冷却期: 余额检查优先
	agent := newTestAgent(t, repo, 0)
	ctx := context.Background()

	now := time.Now().UTC()
	closedAt := now.Add(-2 * time.Minute)
	stopped := &storage.AgentPosition{
		AgentID: agent.ID, Symbol: "BTCUSDT", Side: storage.SideLong,
		EntryPrice: 100, StopLoss: 98, OriginalStopLoss: 98,
		TakeProfit: 106, Quantity: 1, Invested: 100,
		Status: storage.PositionStopped, CloseReason: "STOP_LOSS",
		OpenedAt: now.Add(-10 * time.Minute), ClosedAt: &closedAt,
	}
	if err := repo.CreatePosition(ctx, stopped); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}
	insertSignal(t, repo, now.Add(-time.Minute), now, true, 99)

	if err := b.handleNoPosition(ctx, agent, 100); err != nil {
		t.Fatalf("处理失败: %v", err)
	}
	details := lastSkipReason(t, repo, agent.ID)
	if !strings.Contains(details, SkipNoBalance) {
		t.Errorf("跳过原因应为 no_balance, 得到 %s", details)
	}
}

func TestHandleOpenPosition_WhipsawCooldown(t *testing.T) {
	b, repo := newTestBroker(t)
	agent := newTestAgent(t, repo, 0)
	ctx := context.Background()

	now := time.Now().UTC()
	entryTime := now.Add(-2 * time.Hour)

	// 刚开仓数分钟的多头
	bullish := true
	pos := &storage.AgentPosition{
		AgentID: agent.ID, Symbol: "BTCUSDT", Side: storage.SideLong,
		EntryPrice: 100, StopLoss: 98, OriginalStopLoss: 98,
		TakeProfit: 106, Quantity: 1, Invested: 100,
		Status: storage.PositionOpen, OpenedAt: now.Add(-5 * time.Minute),
		EntrySignalTime: &entryTime, EntrySignalIsBullish: &bullish,
	}
	if err := repo.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}

	// 更新的反向信号: 平仓后因持仓过短进入冷却, 不立即反手
	insertSignal(t, repo, now.Add(-time.Minute), now, false, 99)

	if err := b.handleOpenPosition(ctx, agent, pos, 99.5); err != nil {
		t.Fatalf("处理失败: %v", err)
	}

	open, _ := repo.GetOpenPosition(ctx, agent.ID)
	if open != nil {
		t.Error("反向信号应触发平仓")
	}
	details := lastSkipReason(t, repo, agent.ID)
	if !strings.Contains(details, SkipWhipsawCooldown) {
		t.Errorf("跳过原因应为 whipsaw_cooldown, 得到 %s", details)
	}
}
