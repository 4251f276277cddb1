package broker

import (
	"context"
	"math"
	"time"

	"reversalpro/event"
	"reversalpro/exchange"
	"reversalpro/logger"
	"reversalpro/storage"
)

// openPosition 全仓开仓
// 开仓前依次执行风险过滤: risk_too_small -> pivot_momentum -> htf_trend -> ema_trend
func (b *Broker) openPosition(ctx context.Context, agent *storage.Agent, side string, currentPrice float64, sig *storage.Signal) error {
	// 竞态防护: 重新读库确认余额和持仓状态
	fresh, err := b.repo.GetAgent(ctx, agent.ID)
	if err != nil {
		return err
	}
	if fresh.Balance <= 0 {
		logger.Warn("⚠️ [%s] 余额为 %.2f, 取消开仓", agent.Name, fresh.Balance)
		return nil
	}
	existing, err := b.repo.GetOpenPosition(ctx, agent.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		logger.Warn("⚠️ [%s] 已有未平仓持仓, 取消开仓", agent.Name)
		return nil
	}

	tradeAmount := fresh.Balance
	isBullish := side == storage.SideLong

	pivotPrice, _, err := b.repo.PreviousOppositePivot(ctx, agent.Symbol, agent.Timeframe, isBullish, time.Now().UTC())
	if err != nil {
		return err
	}

	var atr float64
	if run, err := b.repo.LatestAnalysisRun(ctx, agent.Symbol, agent.Timeframe); err == nil && run != nil {
		atr = run.CurrentATR
	}

	zoneTP, hasZoneTP, err := b.repo.ZoneTakeProfit(ctx, agent.Symbol, agent.Timeframe, side, currentPrice)
	if err != nil {
		return err
	}

	sl, tp1, tp2 := CalculateSLTP(side, currentPrice, pivotPrice, atr, agent.Timeframe, zoneTP)

	signalTime := sig.Time.Format(time.RFC3339)

	if isRiskTooSmall(currentPrice, sl, agent.Timeframe) {
		logger.Info("⏭️ [%s] 跳过%s: 止损距离过近 (入场 %.2f, 止损 %.2f)",
			agent.Name, sideLabel(side), currentPrice, sl)
		b.logSkip(ctx, agent, side, SkipRiskTooSmall, map[string]interface{}{
			"signal_time": signalTime,
			"entry_price": currentPrice,
			"stop_loss":   sl,
			"risk_pct":    math.Abs(currentPrice-sl) / currentPrice * 100,
		})
		return nil
	}

	against, err := b.isPivotMomentumAgainst(ctx, agent, side)
	if err != nil {
		return err
	}
	if against {
		b.logSkip(ctx, agent, side, SkipPivotMomentumAgainst, map[string]interface{}{
			"signal_time": signalTime,
			"entry_price": currentPrice,
		})
		return nil
	}

	against, err = b.isHTFTrendAgainst(ctx, agent, side)
	if err != nil {
		return err
	}
	if against {
		b.logSkip(ctx, agent, side, SkipHTFTrendAgainst, map[string]interface{}{
			"signal_time": signalTime,
			"entry_price": currentPrice,
			"htf_checked": htfMap[agent.Timeframe],
		})
		return nil
	}

	against, err = b.isEMATrendAgainst(ctx, agent.Name, agent.Symbol, agent.Timeframe, side)
	if err != nil {
		return err
	}
	if against {
		b.logSkip(ctx, agent, side, SkipEMATrendAgainst, map[string]interface{}{
			"signal_time": signalTime,
			"entry_price": currentPrice,
		})
		return nil
	}

	orderSide := exchange.SideSell
	if isBullish {
		orderSide = exchange.SideBuy
	}
	quantity := tradeAmount / currentPrice
	order, err := b.clientFor(agent).PlaceMarketOrder(ctx, agent.Symbol, orderSide, quantity, currentPrice)
	if err != nil {
		logger.Error("❌ [%s] 开仓下单失败: %v", agent.Name, err)
		if logErr := b.repo.AddAgentLog(ctx, agent.ID, "ORDER_FAILED", map[string]interface{}{
			"side": side, "error": err.Error(),
		}); logErr != nil {
			logger.Warn("⚠️ [%s] 记录下单失败日志出错: %v", agent.Name, logErr)
		}
		return nil
	}

	entryPrice := order.AvgPrice
	if entryPrice <= 0 {
		entryPrice = currentPrice
	}
	qty := order.ExecutedQty
	if qty <= 0 {
		qty = quantity
	}

	sigTime := sig.Time
	sigBullish := sig.IsBullish
	pos := &storage.AgentPosition{
		AgentID:              agent.ID,
		Symbol:               agent.Symbol,
		Side:                 side,
		EntryPrice:           entryPrice,
		StopLoss:             sl,
		OriginalStopLoss:     sl,
		TakeProfit:           tp1,
		TP2:                  tp2,
		Quantity:             qty,
		OriginalQuantity:     qty,
		Invested:             tradeAmount,
		BestPrice:            entryPrice,
		Status:               storage.PositionOpen,
		EntrySignalTime:      &sigTime,
		EntrySignalIsBullish: &sigBullish,
		OpenedAt:             time.Now().UTC(),
	}
	if err := b.repo.CreatePosition(ctx, pos); err != nil {
		return err
	}
	if err := b.repo.UpdateAgentBalance(ctx, agent.ID, 0); err != nil {
		return err
	}
	agent.Balance = 0

	risk := math.Abs(entryPrice - sl)
	logger.Info("✅ [%s] 开仓 %s %s @ %.2f, SL=%.2f TP1=%.2f TP2=%.2f 数量=%.6f",
		agent.Name, side, agent.Symbol, entryPrice, sl, tp1, tp2, qty)

	if err := b.repo.AddAgentLog(ctx, agent.ID, "POSITION_OPENED", map[string]interface{}{
		"position_id":   pos.ID,
		"side":          side,
		"entry_price":   entryPrice,
		"stop_loss":     sl,
		"take_profit_1": tp1,
		"take_profit_2": tp2,
		"zone_tp_used":  hasZoneTP && tp1 == zoneTP,
		"quantity":      qty,
		"risk":          risk,
		"mode":          agent.Mode,
	}); err != nil {
		logger.Warn("⚠️ [%s] 记录开仓日志失败: %v", agent.Name, err)
	}

	b.metrics.RecordPositionOpened(agent.Name, agent.Symbol, side)
	b.publish(event.EventTypePositionOpened, map[string]interface{}{
		"agent":       agent.Name,
		"symbol":      agent.Symbol,
		"side":        side,
		"entry_price": entryPrice,
		"stop_loss":   sl,
		"take_profit": tp1,
		"quantity":    qty,
		"mode":        agent.Mode,
	})
	return nil
}

// closePosition 平仓并结算
// 实盘平仓单失败时持仓保持 OPEN，模拟盘按参考价成交
func (b *Broker) closePosition(ctx context.Context, agent *storage.Agent, pos *storage.AgentPosition,
	exitPrice float64, reason string) (*storage.AgentPosition, error) {
	orderSide := exchange.SideBuy
	if pos.Side == storage.SideLong {
		orderSide = exchange.SideSell
	}

	actualExit := exitPrice
	order, err := b.clientFor(agent).PlaceMarketOrder(ctx, pos.Symbol, orderSide, pos.Quantity, exitPrice)
	if err != nil {
		if agent.Mode == storage.ModeLive {
			logger.Error("❌ [%s] 实盘平仓单失败: %v, 持仓 %d 保持 OPEN", agent.Name, err, pos.ID)
			if logErr := b.repo.AddAgentLog(ctx, agent.ID, "ORDER_FAILED", map[string]interface{}{
				"action": "close", "position_id": pos.ID, "side": pos.Side, "error": err.Error(),
			}); logErr != nil {
				logger.Warn("⚠️ [%s] 记录平仓失败日志出错: %v", agent.Name, logErr)
			}
			return pos, nil
		}
		logger.Warn("⚠️ [%s] 模拟盘平仓单失败, 按参考价 %.2f 结算", agent.Name, exitPrice)
	} else if order.AvgPrice > 0 {
		actualExit = order.AvgPrice
	}

	var pnl, pnlPct float64
	if pos.Side == storage.SideLong {
		pnl = (actualExit - pos.EntryPrice) * pos.Quantity
		pnlPct = (actualExit - pos.EntryPrice) / pos.EntryPrice * 100
	} else {
		pnl = (pos.EntryPrice - actualExit) * pos.Quantity
		pnlPct = (pos.EntryPrice - actualExit) / pos.EntryPrice * 100
	}
	totalPnL := pnl + pos.PartialPnL

	now := time.Now().UTC()
	pos.ExitPrice = actualExit
	pos.PnL = totalPnL
	pos.PnLPercent = pnlPct
	pos.CloseReason = reason
	pos.ClosedAt = &now
	if reason == "STOP_LOSS" || reason == "TRAILING_STOP" {
		pos.Status = storage.PositionStopped
	} else {
		pos.Status = storage.PositionClosed
	}
	if err := b.repo.SavePosition(ctx, pos); err != nil {
		return pos, err
	}

	invested := pos.Invested
	if invested <= 0 {
		invested = agent.TradeAmount
	}
	newBalance := invested + totalPnL
	if err := b.repo.UpdateAgentBalance(ctx, agent.ID, newBalance); err != nil {
		return pos, err
	}
	agent.Balance = newBalance

	logger.Info("🛑 [%s] 平仓 %s %s: 入场 %.2f 出场 %.2f, 盈亏 %.4f (%.2f%%), 原因 %s",
		agent.Name, pos.Side, pos.Symbol, pos.EntryPrice, actualExit, totalPnL, pnlPct, reason)

	if err := b.repo.AddAgentLog(ctx, agent.ID, "POSITION_"+pos.Status, map[string]interface{}{
		"position_id": pos.ID,
		"side":        pos.Side,
		"entry_price": pos.EntryPrice,
		"exit_price":  actualExit,
		"pnl":         totalPnL,
		"pnl_percent": pnlPct,
		"reason":      reason,
	}); err != nil {
		logger.Warn("⚠️ [%s] 记录平仓日志失败: %v", agent.Name, err)
	}

	b.metrics.RecordPositionClosed(agent.Name, pos.Symbol, pos.Side, reason, totalPnL)
	b.metrics.SetAgentBalance(agent.Name, newBalance)
	b.publish(event.EventTypePositionClosed, map[string]interface{}{
		"agent":       agent.Name,
		"symbol":      pos.Symbol,
		"side":        pos.Side,
		"entry_price": pos.EntryPrice,
		"exit_price":  actualExit,
		"pnl":         totalPnL,
		"pnl_percent": pnlPct,
		"reason":      reason,
	})
	return pos, nil
}

// ClosePositionManually 手动平仓（Web 接口调用）
func (b *Broker) ClosePositionManually(ctx context.Context, positionID uint64) (*storage.AgentPosition, error) {
	var pos storage.AgentPosition
	if err := b.repo.DB().WithContext(ctx).First(&pos, positionID).Error; err != nil {
		return nil, err
	}
	if pos.Status != storage.PositionOpen {
		return nil, nil
	}
	agent, err := b.repo.GetAgent(ctx, pos.AgentID)
	if err != nil {
		return nil, err
	}
	exitPrice, err := b.CurrentPrice(ctx, pos.Symbol, agent.Timeframe)
	if err != nil || exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}
	return b.closePosition(ctx, agent, &pos, exitPrice, "MANUAL_CLOSE")
}

// checkStopLoss 止损检查（用K线影线判断触发）
// 止损位已较初始位抬升时按追踪止损记录
func (b *Broker) checkStopLoss(ctx context.Context, agent *storage.Agent, pos *storage.AgentPosition,
	currentPrice, candleLow, candleHigh float64) (bool, error) {
	triggered := (pos.Side == storage.SideLong && candleLow <= pos.StopLoss) ||
		(pos.Side == storage.SideShort && candleHigh >= pos.StopLoss)
	if !triggered {
		return false, nil
	}

	originalSL := pos.OriginalStopLoss
	if originalSL == 0 {
		originalSL = pos.StopLoss
	}
	isTrailing := (pos.Side == storage.SideLong && pos.StopLoss > originalSL) ||
		(pos.Side == storage.SideShort && pos.StopLoss < originalSL)
	reason := "STOP_LOSS"
	if isTrailing {
		reason = "TRAILING_STOP"
	}

	logger.Info("🛑 [%s] %s 触发 %s @ %.2f (SL=%.2f, 初始SL=%.2f)",
		agent.Name, pos.Side, reason, currentPrice, pos.StopLoss, originalSL)

	// 模拟盘按止损价精确成交，不模拟滑点
	closed, err := b.closePosition(ctx, agent, pos, pos.StopLoss, reason)
	if err != nil {
		return false, err
	}
	return closed.Status != storage.PositionOpen, nil
}

// checkBreakeven 价格走出不少于 1 倍初始风险后把止损移到入场价
func (b *Broker) checkBreakeven(ctx context.Context, agent *storage.Agent, pos *storage.AgentPosition, currentPrice float64) (bool, error) {
	if pos.Side == storage.SideLong && pos.StopLoss >= pos.EntryPrice {
		return false, nil
	}
	if pos.Side == storage.SideShort && pos.StopLoss <= pos.EntryPrice {
		return false, nil
	}

	originalSL := pos.OriginalStopLoss
	if originalSL == 0 {
		originalSL = pos.StopLoss
	}
	risk := math.Abs(pos.EntryPrice - originalSL)
	if risk <= 0 {
		return false, nil
	}

	var profit float64
	if pos.Side == storage.SideLong {
		profit = currentPrice - pos.EntryPrice
	} else {
		profit = pos.EntryPrice - currentPrice
	}
	if profit < risk {
		return false, nil
	}

	oldSL := pos.StopLoss
	pos.StopLoss = pos.EntryPrice
	if err := b.repo.SavePosition(ctx, pos); err != nil {
		return false, err
	}

	logger.Info("🔒 [%s] %s 保本激活: SL %.2f -> %.2f (价格 %.2f, 风险 %.2f)",
		agent.Name, pos.Side, oldSL, pos.EntryPrice, currentPrice, risk)
	if err := b.repo.AddAgentLog(ctx, agent.ID, "BREAKEVEN_ACTIVATED", map[string]interface{}{
		"position_id": pos.ID, "side": pos.Side,
		"old_sl": oldSL, "new_sl": pos.EntryPrice,
		"current_price": currentPrice, "risk": risk,
	}); err != nil {
		logger.Warn("⚠️ [%s] 记录保本日志失败: %v", agent.Name, err)
	}
	b.publish(event.EventTypeBreakeven, map[string]interface{}{
		"agent": agent.Name, "symbol": pos.Symbol, "side": pos.Side,
		"old_sl": oldSL, "new_sl": pos.EntryPrice,
	})
	return true, nil
}

// checkTrailingStop 按 ATR 距离棘轮式上移止损，仅在保本之后生效
// 止损只朝盈利方向移动，永不放松
func (b *Broker) checkTrailingStop(ctx context.Context, agent *storage.Agent, pos *storage.AgentPosition,
	currentPrice, candleLow, candleHigh float64) (bool, error) {
	if pos.Side == storage.SideLong && pos.StopLoss < pos.EntryPrice {
		return false, nil
	}
	if pos.Side == storage.SideShort && pos.StopLoss > pos.EntryPrice {
		return false, nil
	}

	run, err := b.repo.LatestAnalysisRun(ctx, agent.Symbol, agent.Timeframe)
	if err != nil || run == nil || run.CurrentATR <= 0 {
		return false, err
	}
	atr := run.CurrentATR

	trail := trailParamsFor(agent.Timeframe)
	trailDistance := atr * trail.TrailATRMult

	best := pos.BestPrice
	if best == 0 {
		best = pos.EntryPrice
	}
	if pos.Side == storage.SideLong {
		best = math.Max(best, candleHigh)
	} else {
		best = math.Min(best, candleLow)
	}
	pos.BestPrice = best

	var newSL float64
	moved := false
	if pos.Side == storage.SideLong {
		newSL = roundPrice(best - trailDistance)
		moved = newSL > pos.StopLoss
	} else {
		newSL = roundPrice(best + trailDistance)
		moved = newSL < pos.StopLoss
	}

	if !moved {
		// 最优价仍需落库
		return false, b.repo.SavePosition(ctx, pos)
	}

	oldSL := pos.StopLoss
	pos.StopLoss = newSL
	if err := b.repo.SavePosition(ctx, pos); err != nil {
		return false, err
	}

	logger.Info("📈 [%s] %s 追踪止损: SL %.2f -> %.2f (最优 %.2f, 距离 %.2f = ATR %.2f × %.1f)",
		agent.Name, pos.Side, oldSL, newSL, best, trailDistance, atr, trail.TrailATRMult)
	if err := b.repo.AddAgentLog(ctx, agent.ID, "TRAILING_STOP_UPDATED", map[string]interface{}{
		"position_id": pos.ID, "side": pos.Side,
		"old_sl": oldSL, "new_sl": newSL,
		"best_price": best, "trail_distance": trailDistance,
		"atr": atr, "current_price": currentPrice,
	}); err != nil {
		logger.Warn("⚠️ [%s] 记录追踪止损日志失败: %v", agent.Name, err)
	}
	b.publish(event.EventTypeTrailingStop, map[string]interface{}{
		"agent": agent.Name, "symbol": pos.Symbol, "side": pos.Side,
		"old_sl": oldSL, "new_sl": newSL, "best_price": best,
	})
	return true, nil
}

// checkTakeProfit 两段式止盈
// TP1 触发时平一半仓位、止损收到不低于入场价、目标切到 TP2，
// TP2（或无 TP2 时的 TP1）触发时全部平仓
func (b *Broker) checkTakeProfit(ctx context.Context, agent *storage.Agent, pos *storage.AgentPosition,
	currentPrice, candleLow, candleHigh float64) (bool, error) {
	if pos.TakeProfit <= 0 {
		return false, nil
	}

	triggered := (pos.Side == storage.SideLong && candleHigh >= pos.TakeProfit) ||
		(pos.Side == storage.SideShort && candleLow <= pos.TakeProfit)
	if !triggered {
		return false, nil
	}

	// 第一段: 按 TP1 价平一半
	if !pos.PartialClosed && pos.TP2 > 0 {
		partialQty := pos.Quantity / 2

		orderSide := exchange.SideBuy
		if pos.Side == storage.SideLong {
			orderSide = exchange.SideSell
		}
		if _, err := b.clientFor(agent).PlaceMarketOrder(ctx, pos.Symbol, orderSide, partialQty, pos.TakeProfit); err != nil {
			if agent.Mode == storage.ModeLive {
				logger.Error("❌ [%s] 实盘部分止盈单失败: %v, 跳过本次部分止盈", agent.Name, err)
				if logErr := b.repo.AddAgentLog(ctx, agent.ID, "ORDER_FAILED", map[string]interface{}{
					"action": "partial_tp", "position_id": pos.ID, "side": pos.Side, "error": err.Error(),
				}); logErr != nil {
					logger.Warn("⚠️ [%s] 记录部分止盈失败日志出错: %v", agent.Name, logErr)
				}
				return false, nil
			}
			logger.Warn("⚠️ [%s] 模拟盘部分止盈单失败, 按 TP1 价结算", agent.Name)
		}

		var partialPnL float64
		if pos.Side == storage.SideLong {
			partialPnL = (pos.TakeProfit - pos.EntryPrice) * partialQty
		} else {
			partialPnL = (pos.EntryPrice - pos.TakeProfit) * partialQty
		}

		tp1Price := pos.TakeProfit
		pos.Quantity -= partialQty
		pos.PartialClosed = true
		pos.PartialPnL = partialPnL
		// 止损只朝盈利方向移动，追踪位已越过入场价时保留追踪位
		if pos.Side == storage.SideLong {
			pos.StopLoss = math.Max(pos.StopLoss, pos.EntryPrice)
		} else {
			pos.StopLoss = math.Min(pos.StopLoss, pos.EntryPrice)
		}
		pos.TakeProfit = pos.TP2
		if err := b.repo.SavePosition(ctx, pos); err != nil {
			return false, err
		}

		logger.Info("💰 [%s] TP1 部分止盈 %s @ %.2f: 平 50%% (%.6f), SL -> %.2f, TP -> %.2f",
			agent.Name, pos.Side, tp1Price, partialQty, pos.StopLoss, pos.TP2)
		if err := b.repo.AddAgentLog(ctx, agent.ID, "PARTIAL_TP_CLOSED", map[string]interface{}{
			"position_id": pos.ID, "side": pos.Side,
			"tp1_price": tp1Price, "partial_qty": partialQty,
			"remaining_qty": pos.Quantity, "partial_pnl": partialPnL,
			"new_sl": pos.StopLoss, "new_tp": pos.TP2,
		}); err != nil {
			logger.Warn("⚠️ [%s] 记录部分止盈日志失败: %v", agent.Name, err)
		}
		b.publish(event.EventTypePartialTP, map[string]interface{}{
			"agent": agent.Name, "symbol": pos.Symbol, "side": pos.Side,
			"tp1_price": tp1Price, "partial_pnl": partialPnL, "new_tp": pos.TP2,
		})

		// 剩余一半继续持有
		return false, nil
	}

	// 第二段: 全部平仓
	reason := "TAKE_PROFIT"
	if pos.PartialClosed {
		reason = "TAKE_PROFIT_2"
	}
	logger.Info("💰 [%s] %s 触发 %s @ %.2f (TP=%.2f)", agent.Name, pos.Side, reason, currentPrice, pos.TakeProfit)
	closed, err := b.closePosition(ctx, agent, pos, pos.TakeProfit, reason)
	if err != nil {
		return false, err
	}
	return closed.Status != storage.PositionOpen, nil
}

// updateUnrealizedPnL 刷新未实现盈亏
func (b *Broker) updateUnrealizedPnL(ctx context.Context, pos *storage.AgentPosition, currentPrice float64) error {
	var pnl, pnlPct float64
	if pos.Side == storage.SideLong {
		pnl = (currentPrice - pos.EntryPrice) * pos.Quantity
		pnlPct = (currentPrice - pos.EntryPrice) / pos.EntryPrice * 100
	} else {
		pnl = (pos.EntryPrice - currentPrice) * pos.Quantity
		pnlPct = (pos.EntryPrice - currentPrice) / pos.EntryPrice * 100
	}

	now := time.Now().UTC()
	pos.UnrealizedPnL = pnl
	pos.UnrealizedPnLPercent = pnlPct
	pos.CurrentPrice = currentPrice
	pos.PnLUpdatedAt = &now
	return b.repo.SavePosition(ctx, pos)
}
