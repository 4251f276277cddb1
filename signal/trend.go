package signal

import (
	"math"

	"reversalpro/indicators"
)

// emaState 三重EMA趋势状态机
type emaState struct {
	prevBuy        bool
	prevSell       bool
	buySignal      int
	sellSignal     int
	prevBuySignal  int
	prevSellSignal int
}

// ComputeTrend 计算逐K线的三重EMA趋势
// 买入：EMA9 > EMA14 > EMA21 且 low > EMA9，EMA9 跌破 EMA14 时解除
// 卖出：EMA9 < EMA14 < EMA21 且 high < EMA9，EMA9 升破 EMA14 时解除
func ComputeTrend(closes, highs, lows []float64, fast, mid, slow int) []TrendInfo {
	n := len(closes)

	ema9 := indicators.EMASeries(closes, fast)
	ema14 := indicators.EMASeries(closes, mid)
	ema21 := indicators.EMASeries(closes, slow)

	state := emaState{}
	trends := make([]TrendInfo, 0, n)

	for i := 0; i < n; i++ {
		e9 := ema9[i]
		e14 := ema14[i]
		e21 := ema21[i]

		if math.IsNaN(e9) || math.IsNaN(e14) || math.IsNaN(e21) {
			trends = append(trends, TrendInfo{
				State:   TrendNeutral,
				EMAFast: nanToZero(e9),
				EMAMid:  nanToZero(e14),
				EMASlow: nanToZero(e21),
			})
			continue
		}

		// 买入条件
		buy := e9 > e14 && e14 > e21 && lows[i] > e9
		stopBuy := e9 <= e14
		buyNow := buy && !state.prevBuy

		if buyNow && !stopBuy {
			state.buySignal = 1
		} else if state.buySignal == 1 && stopBuy {
			state.buySignal = 0
		}

		// 卖出条件
		sell := e9 < e14 && e14 < e21 && highs[i] < e9
		stopSell := e9 >= e14
		sellNow := sell && !state.prevSell

		if sellNow && !stopSell {
			state.sellSignal = 1
		} else if state.sellSignal == 1 && stopSell {
			state.sellSignal = 0
		}

		var trendState TrendState
		switch {
		case state.buySignal == 1:
			trendState = TrendBullish
		case state.sellSignal == 1:
			trendState = TrendBearish
		default:
			trendState = TrendNeutral
		}

		trends = append(trends, TrendInfo{
			State:          trendState,
			EMAFast:        e9,
			EMAMid:         e14,
			EMASlow:        e21,
			BuySignal:      buyNow,
			SellSignal:     sellNow,
			ChangedBullish: state.buySignal == 1 && state.prevBuySignal != 1,
			ChangedBearish: state.sellSignal == 1 && state.prevSellSignal != 1,
		})

		state.prevBuy = buy
		state.prevSell = sell
		state.prevBuySignal = state.buySignal
		state.prevSellSignal = state.sellSignal
	}

	return trends
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
