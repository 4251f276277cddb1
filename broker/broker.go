package broker

import (
	"context"
	"fmt"
	"time"

	"reversalpro/analysis"
	"reversalpro/event"
	"reversalpro/exchange"
	"reversalpro/lock"
	"reversalpro/logger"
	"reversalpro/metrics"
	"reversalpro/signal"
	"reversalpro/storage"
)

// 重开仓最小间隔（K线根数），防止被来回打脸
const whipsawMinGapBars = 3

// whipsawGap 冷却时长，从上一笔持仓开仓时刻起算
func whipsawGap(timeframe string) time.Duration {
	return time.Duration(whipsawMinGapBars*signal.TimeframeMinutes(timeframe)) * time.Minute
}

// Broker 代理经纪服务
type Broker struct {
	repo     *storage.Repository
	analysis *analysis.Service
	bars     exchange.BarSource
	live     exchange.Client
	paper    exchange.Client
	bus      *event.EventBus
	locks    lock.CycleLock
	metrics  *metrics.PrometheusMetrics

	lenientStaleness bool
}

// NewBroker 创建代理经纪服务
// live 可为 nil，此时 live 模式代理回退模拟成交
func NewBroker(repo *storage.Repository, analysisService *analysis.Service, bars exchange.BarSource,
	live, paper exchange.Client, bus *event.EventBus, locks lock.CycleLock, lenientStaleness bool) *Broker {
	if locks == nil {
		locks = lock.NewNopLock()
	}
	return &Broker{
		repo:             repo,
		analysis:         analysisService,
		bars:             bars,
		live:             live,
		paper:            paper,
		bus:              bus,
		locks:            locks,
		metrics:          metrics.GetPrometheusMetrics(),
		lenientStaleness: lenientStaleness,
	}
}

// clientFor 选择成交客户端
func (b *Broker) clientFor(agent *storage.Agent) exchange.Client {
	if agent.Mode == storage.ModeLive && b.live != nil {
		return b.live
	}
	return b.paper
}

func (b *Broker) publish(eventType event.EventType, data map[string]interface{}) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(&event.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// logSkip 记录跳过原因并上报指标
func (b *Broker) logSkip(ctx context.Context, agent *storage.Agent, side, reason string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["side"] = side
	details["reason"] = reason
	if err := b.repo.AddAgentLog(ctx, agent.ID, "TRADE_SKIPPED", details); err != nil {
		logger.Warn("⚠️ [%s] 记录跳过日志失败: %v", agent.Name, err)
	}
	b.metrics.RecordSignalSkipped(agent.Name, reason)
	b.publish(event.EventTypeSignalSkipped, map[string]interface{}{
		"agent":  agent.Name,
		"symbol": agent.Symbol,
		"side":   side,
		"reason": reason,
	})
}

// RunAgentCycle 执行一次代理周期
// 同一代理的周期互斥，抢不到锁直接跳过本轮
func (b *Broker) RunAgentCycle(ctx context.Context, agent *storage.Agent) error {
	lockKey := fmt.Sprintf("agent_cycle:%d", agent.ID)
	acquired, err := b.locks.TryLock(ctx, lockKey, 2*time.Minute)
	if err != nil {
		b.metrics.RecordLockAcquire(lockKey, "error")
		return fmt.Errorf("获取周期锁失败: %w", err)
	}
	if !acquired {
		b.metrics.RecordLockAcquire(lockKey, "conflict")
		logger.Debug("[%s] 周期已在其他进程运行, 跳过", agent.Name)
		return nil
	}
	b.metrics.RecordLockAcquire(lockKey, "success")
	defer func() {
		if err := b.locks.Unlock(ctx, lockKey); err != nil {
			logger.Warn("⚠️ [%s] 释放周期锁失败: %v", agent.Name, err)
		}
	}()

	start := time.Now()
	logger.Info("🔄 [%s] 执行周期: %s %s", agent.Name, agent.Symbol, agent.Timeframe)

	result, err := b.refreshAnalysis(ctx, agent)
	if err != nil {
		b.metrics.RecordAgentCycle(agent.Name, "error", time.Since(start))
		if logErr := b.repo.AddAgentLog(ctx, agent.ID, "CYCLE_ERROR", map[string]interface{}{
			"error": err.Error(),
		}); logErr != nil {
			logger.Warn("⚠️ [%s] 记录周期错误失败: %v", agent.Name, logErr)
		}
		return err
	}

	lastCandle := result.Candles[len(result.Candles)-1]
	currentPrice := lastCandle.Close
	candleHigh := lastCandle.High
	candleLow := lastCandle.Low

	// 管理已有持仓: 止损 -> 保本 -> 追踪 -> 止盈
	pos, err := b.repo.GetOpenPosition(ctx, agent.ID)
	if err != nil {
		return err
	}
	if pos != nil {
		closed, err := b.managePosition(ctx, agent, pos, currentPrice, candleLow, candleHigh)
		if err != nil {
			logger.Error("❌ [%s] 持仓管理失败: %v", agent.Name, err)
		}
		if !closed {
			pos, _ = b.repo.GetOpenPosition(ctx, agent.ID)
		} else {
			pos = nil
		}
	}

	if pos != nil {
		err = b.handleOpenPosition(ctx, agent, pos, currentPrice)
	} else {
		err = b.handleNoPosition(ctx, agent, currentPrice)
	}
	if err != nil {
		b.metrics.RecordAgentCycle(agent.Name, "error", time.Since(start))
		return err
	}

	b.metrics.RecordAgentCycle(agent.Name, "success", time.Since(start))
	b.metrics.SetAgentBalance(agent.Name, agent.Balance)
	return nil
}

// refreshAnalysis 刷新本周期和上级周期的分析
func (b *Broker) refreshAnalysis(ctx context.Context, agent *storage.Agent) (*analysis.Result, error) {
	params := analysis.ParamsFromAgent(agent)
	result, err := b.analysis.Run(ctx, agent.Symbol, agent.AnalysisLimit, params)
	if err != nil {
		return nil, fmt.Errorf("刷新分析失败: %w", err)
	}
	if len(result.Candles) == 0 {
		return nil, fmt.Errorf("交易对 %s %s 没有K线数据", agent.Symbol, agent.Timeframe)
	}

	// 高周期刷新失败不阻断本周期
	for _, htf := range htfMap[agent.Timeframe] {
		htfParams := params
		htfParams.Timeframe = htf
		if _, err := b.analysis.Run(ctx, agent.Symbol, 500, htfParams); err != nil {
			logger.Debug("[%s] 高周期 %s 刷新失败: %v", agent.Name, htf, err)
		}
	}
	return result, nil
}

// managePosition 依次执行止损、保本、追踪和止盈检查，返回持仓是否已关闭
func (b *Broker) managePosition(ctx context.Context, agent *storage.Agent, pos *storage.AgentPosition,
	currentPrice, candleLow, candleHigh float64) (bool, error) {
	closed, err := b.checkStopLoss(ctx, agent, pos, currentPrice, candleLow, candleHigh)
	if err != nil || closed {
		return closed, err
	}
	if _, err := b.checkBreakeven(ctx, agent, pos, currentPrice); err != nil {
		return false, err
	}
	if _, err := b.checkTrailingStop(ctx, agent, pos, currentPrice, candleLow, candleHigh); err != nil {
		return false, err
	}
	closed, err = b.checkTakeProfit(ctx, agent, pos, currentPrice, candleLow, candleHigh)
	if err != nil || closed {
		return closed, err
	}
	return false, b.updateUnrealizedPnL(ctx, pos, currentPrice)
}

// handleOpenPosition 持仓中只关注最新的反向确认信号
func (b *Broker) handleOpenPosition(ctx context.Context, agent *storage.Agent, pos *storage.AgentPosition, currentPrice float64) error {
	oppositeBullish := pos.Side == storage.SideShort

	opposite, err := b.repo.GetLatestSignalForDirection(ctx, agent.Symbol, agent.Timeframe, oppositeBullish)
	if err != nil {
		return err
	}
	if opposite == nil {
		return nil
	}

	newSide := storage.SideShort
	if oppositeBullish {
		newSide = storage.SideLong
	}

	// 反向平仓用宽松保鲜期，避免错过退出机会后更快恶化
	if b.isSignalStale(agent, opposite, true) {
		b.logSkip(ctx, agent, newSide, SkipSignalStale, map[string]interface{}{
			"signal_time":  opposite.Time.Format(time.RFC3339),
			"signal_price": opposite.Price,
			"entry_price":  currentPrice,
		})
		return nil
	}

	// 反向信号必须晚于开仓信号
	if pos.EntrySignalTime != nil && !opposite.Time.After(*pos.EntrySignalTime) {
		return nil
	}

	processed, err := b.isSignalProcessed(ctx, agent.ID, opposite)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	reason := "BEARISH_REVERSAL"
	if oppositeBullish {
		reason = "BULLISH_REVERSAL"
	}
	closedPos, err := b.closePosition(ctx, agent, pos, currentPrice, reason)
	if err != nil {
		return err
	}
	if closedPos.Status == storage.PositionOpen {
		// 实盘平仓失败, 持仓保持 OPEN, 本轮不再反手
		return nil
	}
	logger.Info("🔄 [%s] %s 因 %s 平仓", agent.Name, pos.Side, reason)

	fresh, err := b.repo.GetAgent(ctx, agent.ID)
	if err != nil {
		return err
	}
	agent.Balance = fresh.Balance
	if agent.Balance <= 0 {
		b.logSkip(ctx, agent, newSide, SkipNoBalance, map[string]interface{}{
			"signal_time": opposite.Time.Format(time.RFC3339),
			"balance":     agent.Balance,
		})
		return nil
	}

	// 持仓时间过短直接冷却，不立即反手
	gap := whipsawGap(agent.Timeframe)
	if held := time.Since(pos.OpenedAt); held < gap {
		logger.Info("⏭️ [%s] 持仓仅 %.0f 秒 (< %.0f 秒 = %d 根K线), 冷却防打脸",
			agent.Name, held.Seconds(), gap.Seconds(), whipsawMinGapBars)
		b.logSkip(ctx, agent, newSide, SkipWhipsawCooldown, map[string]interface{}{
			"signal_time":         opposite.Time.Format(time.RFC3339),
			"signal_price":        opposite.Price,
			"entry_price":         currentPrice,
			"position_duration_s": int(held.Seconds()),
			"min_gap_s":           int(gap.Seconds()),
		})
		return nil
	}

	return b.openPosition(ctx, agent, newSide, currentPrice, opposite)
}

// handleNoPosition 空仓时使用任意方向的最新确认信号
func (b *Broker) handleNoPosition(ctx context.Context, agent *storage.Agent, currentPrice float64) error {
	latest, err := b.repo.GetLatestSignal(ctx, agent.Symbol, agent.Timeframe)
	if err != nil {
		return err
	}
	if latest == nil {
		logger.Debug("[%s] 没有可用信号", agent.Name)
		return nil
	}

	side := storage.SideShort
	if latest.IsBullish {
		side = storage.SideLong
	}

	if b.isSignalStale(agent, latest, b.lenientStaleness) {
		b.logSkip(ctx, agent, side, SkipSignalStale, map[string]interface{}{
			"signal_time":  latest.Time.Format(time.RFC3339),
			"signal_price": latest.Price,
			"entry_price":  currentPrice,
		})
		return nil
	}

	processed, err := b.isSignalProcessed(ctx, agent.ID, latest)
	if err != nil {
		return err
	}
	if processed {
		logger.Debug("[%s] 信号已处理过: %s", agent.Name, latest.Time.Format(time.RFC3339))
		return nil
	}

	if agent.Balance <= 0 {
		b.logSkip(ctx, agent, side, SkipNoBalance, map[string]interface{}{
			"signal_time": latest.Time.Format(time.RFC3339),
			"balance":     agent.Balance,
		})
		return nil
	}

	// 上一笔持仓刚开没多久就平掉的，同样进入冷却
	last, err := b.repo.LastClosedPosition(ctx, agent.ID)
	if err != nil {
		return err
	}
	if last != nil {
		gap := whipsawGap(agent.Timeframe)
		if held := time.Since(last.OpenedAt); held < gap {
			logger.Info("⏭️ [%s] 上一笔持仓开仓距今仅 %.0f 秒 (< %.0f 秒 = %d 根K线), 冷却防打脸",
				agent.Name, held.Seconds(), gap.Seconds(), whipsawMinGapBars)
			b.logSkip(ctx, agent, side, SkipWhipsawCooldown, map[string]interface{}{
				"signal_time":         latest.Time.Format(time.RFC3339),
				"signal_price":        latest.Price,
				"entry_price":         currentPrice,
				"position_duration_s": int(held.Seconds()),
				"min_gap_s":           int(gap.Seconds()),
			})
			return nil
		}
	}

	return b.openPosition(ctx, agent, side, currentPrice, latest)
}

// CurrentPrice 取最新成交价（行情接口优先，K线兜底）
func (b *Broker) CurrentPrice(ctx context.Context, symbol, timeframe string) (float64, error) {
	if price, err := b.bars.GetPrice(ctx, symbol); err == nil && price > 0 {
		return price, nil
	}
	candles, err := b.repo.GetBars(ctx, symbol, timeframe, 1)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("无法确定 %s 当前价格", symbol)
	}
	return candles[len(candles)-1].Close, nil
}
