package storage

import (
	"context"
	"testing"
	"time"

	"reversalpro/database"
	"reversalpro/indicators"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.Open(&database.DBConfig{
		Type:     "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	repo, err := NewRepository(db)
	if err != nil {
		t.Fatalf("初始化仓库失败: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSyncSignals_UpsertPreservesDetectedAt(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	windowStart := base.Add(-time.Hour)

	sig := &Signal{
		Time:        base,
		IsBullish:   true,
		BarIndex:    100,
		Price:       50000,
		ActualPrice: 49950,
		SignalLabel: "REVERSAL",
	}

	// 首次同步：应作为新确认信号返回
	newSigs, err := repo.SyncSignals(ctx, "BTCUSDT", "1h", windowStart, []*Signal{sig})
	if err != nil {
		t.Fatalf("首次同步失败: %v", err)
	}
	if len(newSigs) != 1 {
		t.Fatalf("首次同步应返回 1 个新信号, 得到 %d", len(newSigs))
	}
	firstDetectedAt := newSigs[0].DetectedAt
	if firstDetectedAt.IsZero() {
		t.Fatal("新信号应设置 detected_at")
	}

	time.Sleep(10 * time.Millisecond)

	// 重分析：相同自然键，价格微调
	resynced := &Signal{
		Time:        base,
		IsBullish:   true,
		BarIndex:    102,
		Price:       50010,
		ActualPrice: 49960,
		SignalLabel: "REVERSAL",
	}
	newSigs, err = repo.SyncSignals(ctx, "BTCUSDT", "1h", windowStart, []*Signal{resynced})
	if err != nil {
		t.Fatalf("重分析同步失败: %v", err)
	}
	// 自然键已存在，不应再作为新信号返回
	if len(newSigs) != 0 {
		t.Errorf("重分析不应产生新信号, 得到 %d", len(newSigs))
	}

	stored, err := repo.GetSignals(ctx, "BTCUSDT", "1h", 10, true)
	if err != nil {
		t.Fatalf("查询信号失败: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("自然键相同的信号不应重复, 得到 %d 条", len(stored))
	}
	if !stored[0].DetectedAt.Equal(firstDetectedAt) {
		t.Errorf("detected_at 应保留首次检出时间: %v vs %v",
			stored[0].DetectedAt, firstDetectedAt)
	}
	if stored[0].Price != 50010 {
		t.Errorf("可变字段应已更新, price=%f", stored[0].Price)
	}
}

func TestSyncSignals_RemovesVanishedKeys(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	windowStart := base.Add(-time.Hour)

	sigs := []*Signal{
		{Time: base, IsBullish: true, Price: 100, ActualPrice: 100, SignalLabel: "REVERSAL"},
		{Time: base.Add(time.Hour), IsBullish: false, Price: 110, ActualPrice: 110, SignalLabel: "REVERSAL"},
	}
	if _, err := repo.SyncSignals(ctx, "ETHUSDT", "1h", windowStart, sigs); err != nil {
		t.Fatalf("同步失败: %v", err)
	}

	// 重分析只推导出第二个信号，第一个应被删除
	if _, err := repo.SyncSignals(ctx, "ETHUSDT", "1h", windowStart, sigs[1:]); err != nil {
		t.Fatalf("重分析同步失败: %v", err)
	}

	stored, err := repo.GetSignals(ctx, "ETHUSDT", "1h", 10, true)
	if err != nil {
		t.Fatalf("查询信号失败: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("消失的信号应被删除, 剩余 %d 条", len(stored))
	}
	if stored[0].IsBullish {
		t.Error("保留的应是看跌信号")
	}
}

func TestSaveBars_UpsertAndOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	candles := []indicators.Candle{
		{Time: 1700000000000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Time: 1700003600000, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 12},
	}
	if err := repo.SaveBars(ctx, "BTCUSDT", "1h", candles); err != nil {
		t.Fatalf("保存K线失败: %v", err)
	}

	// 重复保存同一根K线（收盘价更新）
	candles[1].Close = 2.2
	if err := repo.SaveBars(ctx, "BTCUSDT", "1h", candles); err != nil {
		t.Fatalf("重复保存失败: %v", err)
	}

	got, err := repo.GetBars(ctx, "BTCUSDT", "1h", 10)
	if err != nil {
		t.Fatalf("查询K线失败: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("K线不应重复, 得到 %d 根", len(got))
	}
	if got[0].Time >= got[1].Time {
		t.Error("K线应按时间升序返回")
	}
	if got[1].Close != 2.2 {
		t.Errorf("UPSERT 应更新收盘价, 得到 %f", got[1].Close)
	}
}

func TestAgentCRUDAndPositions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	agent := &Agent{
		Name:        "btc_1h",
		Symbol:      "BTCUSDT",
		Timeframe:   "1h",
		TradeAmount: 100,
		Balance:     100,
		Mode:        ModePaper,
		Sensitivity: "Medium",
		SignalMode:  "Confirmed Only",
	}
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("创建代理失败: %v", err)
	}
	if agent.ID == 0 {
		t.Fatal("代理 ID 未回填")
	}

	// 同名代理应失败（唯一约束）
	dup := &Agent{Name: "btc_1h", Symbol: "BTCUSDT", Timeframe: "1h"}
	if err := repo.CreateAgent(ctx, dup); err == nil {
		t.Error("同名代理应创建失败")
	}

	// 无持仓时 GetOpenPosition 返回 nil
	pos, err := repo.GetOpenPosition(ctx, agent.ID)
	if err != nil {
		t.Fatalf("查询持仓失败: %v", err)
	}
	if pos != nil {
		t.Error("无持仓时应返回 nil")
	}

	sigTime := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bullish := true
	newPos := &AgentPosition{
		AgentID:              agent.ID,
		Symbol:               "BTCUSDT",
		Side:                 SideLong,
		EntryPrice:           50000,
		StopLoss:             49000,
		OriginalStopLoss:     49000,
		TakeProfit:           51500,
		Quantity:             0.002,
		OriginalQuantity:     0.002,
		Invested:             100,
		Status:               PositionOpen,
		EntrySignalTime:      &sigTime,
		EntrySignalIsBullish: &bullish,
		OpenedAt:             time.Now().UTC(),
	}
	if err := repo.CreatePosition(ctx, newPos); err != nil {
		t.Fatalf("创建持仓失败: %v", err)
	}

	got, err := repo.GetOpenPosition(ctx, agent.ID)
	if err != nil || got == nil {
		t.Fatalf("应查到持仓: %v", err)
	}

	// 信号绑定键查询
	has, err := repo.HasPositionForSignal(ctx, agent.ID, sigTime, true)
	if err != nil || !has {
		t.Errorf("应按信号绑定键查到持仓: has=%v err=%v", has, err)
	}
	has, _ = repo.HasPositionForSignal(ctx, agent.ID, sigTime, false)
	if has {
		t.Error("方向不同不应命中")
	}

	// 平仓后统计: PnL 字段在平仓时已并入部分止盈
	now := time.Now().UTC()
	got.Status = PositionClosed
	got.ExitPrice = 51500
	got.PartialPnL = 1.0
	got.PnL = 3.0
	got.ClosedAt = &now
	if err := repo.SavePosition(ctx, got); err != nil {
		t.Fatalf("保存平仓失败: %v", err)
	}

	stats, err := repo.GetAgentStats(ctx, agent.ID)
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.TotalTrades != 1 || stats.Wins != 1 || stats.OpenCount != 0 {
		t.Errorf("统计结果异常: %+v", stats)
	}
	if stats.TotalPnL != 3.0 {
		t.Errorf("TotalPnL 不得重复累加部分止盈, 应为 3.0, 得到 %f", stats.TotalPnL)
	}

	// 删除代理应级联清理
	if err := repo.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("删除代理失败: %v", err)
	}
	positions, _ := repo.ListPositions(ctx, agent.ID, "", 0)
	if len(positions) != 0 {
		t.Errorf("删除代理后持仓应清理, 剩余 %d", len(positions))
	}
}

func TestReplaceZones(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	zones := []*Zone{
		{Time: time.Now().UTC(), ZoneType: "SUPPLY", CenterPrice: 110, TopPrice: 110.1, BottomPrice: 109.9, StartBar: 5, EndBar: 25},
		{Time: time.Now().UTC(), ZoneType: "DEMAND", CenterPrice: 90, TopPrice: 90.1, BottomPrice: 89.9, StartBar: 11, EndBar: 31},
	}
	if err := repo.ReplaceZones(ctx, "BTCUSDT", "1h", zones); err != nil {
		t.Fatalf("保存供需区失败: %v", err)
	}

	// 再次替换为单个区
	if err := repo.ReplaceZones(ctx, "BTCUSDT", "1h", zones[:1]); err != nil {
		t.Fatalf("替换供需区失败: %v", err)
	}

	got, err := repo.GetZones(ctx, "BTCUSDT", "1h")
	if err != nil {
		t.Fatalf("查询供需区失败: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("供需区应整表替换, 得到 %d 条", len(got))
	}
}
