// Package broker 自治交易代理
// 按周期调度代理执行：刷新分析 -> 管理持仓 -> 依据最新信号开平仓
package broker

import (
	"math"

	"reversalpro/signal"
	"reversalpro/storage"
)

// tfRiskParams 周期自适应的风险参数
type tfRiskParams struct {
	RRRatio       float64 // TP1 相对风险的盈亏比
	ATRMult       float64 // 无枢轴可用时 SL 的 ATR 倍数
	MaxSLPct      float64 // SL 距离上限（入场价百分比）
	FallbackSLPct float64 // 无枢轴且无 ATR 时的兜底 SL 百分比
}

// trailRiskParams 追踪止损参数
type trailRiskParams struct {
	TrailATRMult   float64 // 追踪距离的 ATR 倍数
	ActivationMult float64 // 追踪启动所需的风险倍数
}

var tfParamsTable = map[int]tfRiskParams{
	1:    {1.5, 1.0, 0.30, 0.50},
	5:    {2.0, 1.2, 0.50, 0.80},
	15:   {2.5, 1.3, 0.80, 1.20},
	60:   {3.0, 1.5, 1.50, 2.00},
	240:  {3.0, 1.5, 3.00, 3.00},
	1440: {3.0, 1.5, 5.00, 5.00},
}

var trailParamsTable = map[int]trailRiskParams{
	1:    {0.8, 1.0},
	5:    {1.0, 1.0},
	15:   {1.2, 1.5},
	60:   {1.5, 1.5},
	240:  {1.5, 2.0},
	1440: {2.0, 2.0},
}

var tfParamsKeys = []int{1, 5, 15, 60, 240, 1440}

// riskParamsFor 取不小于该周期的最小档位，超出最大档位时用 1d 参数
func riskParamsFor(timeframe string) tfRiskParams {
	tfMin := signal.TimeframeMinutes(timeframe)
	for _, minutes := range tfParamsKeys {
		if tfMin <= minutes {
			return tfParamsTable[minutes]
		}
	}
	return tfParamsTable[1440]
}

// trailParamsFor 取追踪止损参数
func trailParamsFor(timeframe string) trailRiskParams {
	tfMin := signal.TimeframeMinutes(timeframe)
	for _, minutes := range tfParamsKeys {
		if tfMin <= minutes {
			return trailParamsTable[minutes]
		}
	}
	return trailParamsTable[1440]
}

// CalculateSLTP 计算止损、TP1 和 TP2
// 止损优先用前一个反向枢轴价，其次 ATR 距离，最后兜底百分比，
// 并限制在该周期的最大止损距离以内；
// 供需区目标在盈亏比不低于 1 时覆盖默认 TP1
func CalculateSLTP(side string, entryPrice, pivotPrice, atr float64, timeframe string, zoneTP float64) (sl, tp1, tp2 float64) {
	params := riskParamsFor(timeframe)

	if side == storage.SideLong {
		switch {
		case pivotPrice > 0 && pivotPrice < entryPrice:
			sl = pivotPrice
		case atr > 0:
			sl = entryPrice - params.ATRMult*atr
		default:
			sl = entryPrice * (1 - params.FallbackSLPct/100)
		}

		maxSLDist := entryPrice * (params.MaxSLPct / 100)
		if entryPrice-sl > maxSLDist {
			sl = entryPrice - maxSLDist
		}

		risk := entryPrice - sl
		defaultTP := entryPrice + params.RRRatio*risk

		tp1 = defaultTP
		if zoneTP > entryPrice && risk > 0 {
			zoneRR := (zoneTP - entryPrice) / risk
			if zoneRR >= 1.0 {
				tp1 = zoneTP
			}
		}

		tp2 = entryPrice + 1.5*(tp1-entryPrice)
	} else {
		switch {
		case pivotPrice > entryPrice:
			sl = pivotPrice
		case atr > 0:
			sl = entryPrice + params.ATRMult*atr
		default:
			sl = entryPrice * (1 + params.FallbackSLPct/100)
		}

		maxSLDist := entryPrice * (params.MaxSLPct / 100)
		if sl-entryPrice > maxSLDist {
			sl = entryPrice + maxSLDist
		}

		risk := sl - entryPrice
		defaultTP := entryPrice - params.RRRatio*risk

		tp1 = defaultTP
		if zoneTP > 0 && zoneTP < entryPrice && risk > 0 {
			zoneRR := (entryPrice - zoneTP) / risk
			if zoneRR >= 1.0 {
				tp1 = zoneTP
			}
		}

		tp2 = entryPrice - 1.5*(entryPrice-tp1)
	}

	return roundPrice(sl), roundPrice(tp1), roundPrice(tp2)
}

// isRiskTooSmall 止损过近时拒绝开仓
func isRiskTooSmall(entryPrice, sl float64, timeframe string) bool {
	if entryPrice <= 0 {
		return true
	}
	riskPct := math.Abs(entryPrice-sl) / entryPrice * 100

	tfMin := signal.TimeframeMinutes(timeframe)
	var minRiskPct float64
	switch {
	case tfMin <= 5:
		minRiskPct = 0.15
	case tfMin <= 15:
		minRiskPct = 0.25
	default:
		minRiskPct = 0.40
	}

	return riskPct < minRiskPct
}

func roundPrice(v float64) float64 {
	return math.Round(v*100) / 100
}
