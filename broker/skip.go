package broker

import (
	"context"
	"time"

	"reversalpro/logger"
	"reversalpro/signal"
	"reversalpro/storage"
)

// 跳过交易的原因，按检查顺序排列
const (
	SkipSignalStale          = "signal_stale"
	SkipNoBalance            = "no_balance"
	SkipWhipsawCooldown      = "whipsaw_cooldown"
	SkipRiskTooSmall         = "risk_too_small"
	SkipPivotMomentumAgainst = "pivot_momentum_against"
	SkipHTFTrendAgainst      = "htf_trend_against"
	SkipEMATrendAgainst      = "ema_trend_against"
)

// htfMap 每个周期只检查上一级周期，避免过度过滤
var htfMap = map[string][]string{
	"1m":  {"5m"},
	"5m":  {"15m"},
	"15m": {"1h"},
	"30m": {"1h"},
	"1h":  {"4h"},
	"4h":  {"1d"},
	"1d":  {},
}

// stalenessBudget 信号保鲜期（K线根数），快周期给更大预算
func stalenessBudget(timeframe string) int {
	tfMin := signal.TimeframeMinutes(timeframe)
	switch {
	case tfMin <= 1:
		return 15
	case tfMin <= 5:
		return 10
	case tfMin <= 15:
		return 8
	case tfMin <= 60:
		return 6
	default:
		return 4
	}
}

// isSignalStale 按 detected_at 判断信号是否过期
// 用检出时间而非 bar_index，避免快周期上确认延迟导致的误判
func (b *Broker) isSignalStale(agent *storage.Agent, sig *storage.Signal, lenient bool) bool {
	if sig.DetectedAt.IsZero() {
		return false
	}

	elapsed := time.Since(sig.DetectedAt)
	maxCandles := stalenessBudget(agent.Timeframe)
	maxAge := time.Duration(maxCandles*signal.TimeframeMinutes(agent.Timeframe)) * time.Minute
	if lenient {
		maxAge *= 2
	}

	if elapsed > maxAge {
		logger.Info("⏭️ [%s] 信号已过期: 检出于 %.0f 秒前, 上限 %.0f 秒 (%d 根K线)",
			agent.Name, elapsed.Seconds(), maxAge.Seconds(), maxCandles)
		return true
	}
	return false
}

// isSignalProcessed 按稳定键 (time, is_bullish) 判断信号是否已被用于开仓
func (b *Broker) isSignalProcessed(ctx context.Context, agentID uint64, sig *storage.Signal) (bool, error) {
	return b.repo.HasPositionForSignal(ctx, agentID, sig.Time, sig.IsBullish)
}

// isPivotMomentumAgainst 同周期枢轴动能过滤
// 做多时检查最近 3 个空头枢轴是否持续走低，做空时对称
func (b *Broker) isPivotMomentumAgainst(ctx context.Context, agent *storage.Agent, side string) (bool, error) {
	checkBullish := side == storage.SideShort

	prices, err := b.repo.RecentSignalPrices(ctx, agent.Symbol, agent.Timeframe, checkBullish, 3)
	if err != nil {
		return false, err
	}
	if len(prices) < 3 {
		return false, nil
	}

	newest, middle, oldest := prices[0], prices[1], prices[2]
	if side == storage.SideLong {
		if newest < middle && middle < oldest {
			logger.Info("⏭️ [%s] 跳过做多: 连续 3 个高点走低 (%.2f > %.2f > %.2f)",
				agent.Name, oldest, middle, newest)
			return true, nil
		}
	} else {
		if newest > middle && middle > oldest {
			logger.Info("⏭️ [%s] 跳过做空: 连续 3 个低点走高 (%.2f < %.2f < %.2f)",
				agent.Name, oldest, middle, newest)
			return true, nil
		}
	}
	return false, nil
}

// isEMATrendAgainst 同周期 EMA 趋势过滤
// 做多不允许 BEARISH 趋势，做空不允许 BULLISH 趋势
func (b *Broker) isEMATrendAgainst(ctx context.Context, agentName, symbol, timeframe, side string) (bool, error) {
	run, err := b.repo.LatestAnalysisRun(ctx, symbol, timeframe)
	if err != nil {
		return false, err
	}
	if run == nil || run.CurrentTrend == "" {
		return false, nil
	}

	if side == storage.SideLong && run.CurrentTrend == string(signal.TrendBearish) {
		logger.Info("⏭️ [%s] 跳过做多: %s EMA 趋势为空头", agentName, timeframe)
		return true, nil
	}
	if side == storage.SideShort && run.CurrentTrend == string(signal.TrendBullish) {
		logger.Info("⏭️ [%s] 跳过做空: %s EMA 趋势为多头", agentName, timeframe)
		return true, nil
	}
	return false, nil
}

// isHTFTrendAgainst 高周期趋势确认（宽松版）
// 至少 1/2 的枢轴对确认方向即可通过，枢轴数据不足时回退 EMA 趋势
func (b *Broker) isHTFTrendAgainst(ctx context.Context, agent *storage.Agent, side string) (bool, error) {
	for _, htf := range htfMap[agent.Timeframe] {
		checkBullish := side == storage.SideLong

		prices, err := b.repo.RecentSignalPrices(ctx, agent.Symbol, htf, checkBullish, 3)
		if err != nil {
			return false, err
		}

		switch {
		case len(prices) >= 3:
			newest, middle, oldest := prices[0], prices[1], prices[2]
			confirms := 0
			if side == storage.SideLong {
				if newest > middle {
					confirms++
				}
				if middle > oldest {
					confirms++
				}
			} else {
				if newest < middle {
					confirms++
				}
				if middle < oldest {
					confirms++
				}
			}
			if confirms == 0 {
				logger.Info("⏭️ [%s] 跳过%s: 高周期 %s 枢轴 (%.2f, %.2f, %.2f) 0/2 对确认方向",
					agent.Name, sideLabel(side), htf, oldest, middle, newest)
				return true, nil
			}
		case len(prices) == 2:
			falling := prices[0] < prices[1]
			if (side == storage.SideLong && falling) || (side == storage.SideShort && !falling) {
				against, err := b.isEMATrendAgainst(ctx, agent.Name, agent.Symbol, htf, side)
				if err != nil || against {
					return against, err
				}
			}
		default:
			against, err := b.isEMATrendAgainst(ctx, agent.Name, agent.Symbol, htf, side)
			if err != nil || against {
				return against, err
			}
		}
	}
	return false, nil
}

func sideLabel(side string) string {
	if side == storage.SideLong {
		return "做多"
	}
	return "做空"
}
