package signal

import (
	"math"

	"reversalpro/indicators"
)

// ZigZag 基于逐K线反转阈值的摆动检测
// confirmationBars > 0 时引入确认延迟，保证枢轴不重绘
type ZigZag struct {
	useEMA           bool
	emaLength        int
	confirmationBars int
}

// NewZigZag 创建 ZigZag 检测器
func NewZigZag(method Method, averageLength, confirmationBars int) *ZigZag {
	return &ZigZag{
		useEMA:           method == MethodAverage,
		emaLength:        averageLength,
		confirmationBars: confirmationBars,
	}
}

// PreparePrices 返回平滑或原始的高低价序列
func (z *ZigZag) PreparePrices(highs, lows []float64) (priceH, priceL []float64) {
	if z.useEMA {
		priceH = indicators.EMASeries(highs, z.emaLength)
		priceL = indicators.EMASeries(lows, z.emaLength)
		return
	}
	priceH = append([]float64(nil), highs...)
	priceL = append([]float64(nil), lows...)
	return
}

// zigzagState 摆动状态
type zigzagState struct {
	direction   Direction
	zhigh       float64
	zlow        float64
	zhighActual float64
	zlowActual  float64
	zhighBar    int
	zlowBar     int
}

// ComputePivots 运行确认版 ZigZag，返回不重绘的枢轴序列
// 第 i 根K线只处理已确认的第 i-confirmationBars 根价格
func (z *ZigZag) ComputePivots(highs, lows, reversalAmounts []float64) []Pivot {
	n := len(highs)
	priceH, priceL := z.PreparePrices(highs, lows)
	cb := z.confirmationBars

	state := zigzagState{}
	var pivots []Pivot

	for i := 0; i < n; i++ {
		// 已确认K线的下标
		ci := i - cb
		if ci < 0 {
			continue
		}

		ph := priceH[ci]
		pl := priceL[ci]
		ah := highs[ci]
		al := lows[ci]

		if math.IsNaN(ph) || math.IsNaN(pl) {
			continue
		}

		rev := reversalAmounts[i]
		if math.IsNaN(rev) {
			continue
		}

		// 初始化
		if state.direction == DirectionNone {
			state.zhigh = ph
			state.zlow = pl
			state.zhighActual = ah
			state.zlowActual = al
			state.zhighBar = ci
			state.zlowBar = ci
			state.direction = DirectionUp
			continue
		}

		switch state.direction {
		case DirectionUp:
			if ph > state.zhigh {
				state.zhigh = ph
				state.zhighActual = ah
				state.zhighBar = ci
			}

			if state.zhigh-pl >= rev {
				pivots = append(pivots, Pivot{
					Price:       state.zhigh,
					ActualPrice: state.zhighActual,
					BarIndex:    state.zhighBar,
					IsHigh:      true,
				})
				state.direction = DirectionDown
				state.zlow = pl
				state.zlowActual = al
				state.zlowBar = ci
			}

		case DirectionDown:
			if pl < state.zlow {
				state.zlow = pl
				state.zlowActual = al
				state.zlowBar = ci
			}

			if ph-state.zlow >= rev {
				pivots = append(pivots, Pivot{
					Price:       state.zlow,
					ActualPrice: state.zlowActual,
					BarIndex:    state.zlowBar,
					IsHigh:      false,
				})
				state.direction = DirectionUp
				state.zhigh = ph
				state.zhighActual = ah
				state.zhighBar = ci
			}
		}
	}

	return pivots
}

// ComputePreviewPivots 预览版 ZigZag（无确认延迟，可能重绘）
func (z *ZigZag) ComputePreviewPivots(highs, lows, reversalAmounts []float64) []Pivot {
	n := len(highs)
	priceH, priceL := z.PreparePrices(highs, lows)

	state := zigzagState{}
	var previews []Pivot

	for i := 0; i < n; i++ {
		ph := priceH[i]
		pl := priceL[i]
		if math.IsNaN(ph) || math.IsNaN(pl) {
			continue
		}

		rev := reversalAmounts[i]
		if math.IsNaN(rev) {
			continue
		}

		if state.direction == DirectionNone {
			state.zhigh = ph
			state.zlow = pl
			state.zhighActual = highs[i]
			state.zlowActual = lows[i]
			state.zhighBar = i
			state.zlowBar = i
			state.direction = DirectionUp
			continue
		}

		switch state.direction {
		case DirectionUp:
			if ph > state.zhigh {
				state.zhigh = ph
				state.zhighActual = highs[i]
				state.zhighBar = i
			}
			if state.zhigh-pl >= rev {
				previews = append(previews, Pivot{
					Price:       state.zhigh,
					ActualPrice: state.zhighActual,
					BarIndex:    state.zhighBar,
					IsHigh:      true,
					IsPreview:   true,
				})
				state.direction = DirectionDown
				state.zlow = pl
				state.zlowActual = lows[i]
				state.zlowBar = i
			}

		case DirectionDown:
			if pl < state.zlow {
				state.zlow = pl
				state.zlowActual = lows[i]
				state.zlowBar = i
			}
			if ph-state.zlow >= rev {
				previews = append(previews, Pivot{
					Price:       state.zlow,
					ActualPrice: state.zlowActual,
					BarIndex:    state.zlowBar,
					IsHigh:      false,
					IsPreview:   true,
				})
				state.direction = DirectionUp
				state.zhigh = ph
				state.zhighActual = highs[i]
				state.zhighBar = i
			}
		}
	}

	return previews
}
