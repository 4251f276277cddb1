package signal

import (
	"math"
	"sort"

	"reversalpro/indicators"
)

// Detector 完整反转检测流水线
// 固定输入产生固定输出，不依赖外部状态
type Detector struct {
	params      Params
	sensitivity SensitivityConfig
	zigzag      *ZigZag
}

// NewDetector 创建检测器
func NewDetector(params Params) *Detector {
	p := params.normalized()
	return &Detector{
		params: p,
		sensitivity: ResolveSensitivity(
			p.Sensitivity, p.Timeframe,
			p.CustomATRMultiplier, p.CustomPercentThreshold,
		),
		zigzag: NewZigZag(p.Method, p.AverageLength, p.ConfirmationBars),
	}
}

// Sensitivity 返回已解析的灵敏度参数
func (d *Detector) Sensitivity() SensitivityConfig {
	return d.sensitivity
}

// Detect 对K线序列执行完整分析
// 流程：ATR → 反转阈值 → ZigZag 枢轴 → 反转信号 → 供需区 → EMA趋势
func (d *Detector) Detect(candles []indicators.Candle) AnalysisResult {
	if len(candles) == 0 {
		return AnalysisResult{}
	}

	n := len(candles)
	highs := indicators.HighPrices(candles)
	lows := indicators.LowPrices(candles)
	closes := indicators.ClosePrices(candles)

	// 1. ATR
	atrValues := indicators.ATRSeries(candles, d.params.ATRLength)

	// 2. 逐K线反转阈值
	reversalAmounts := make([]float64, n)
	for i := 0; i < n; i++ {
		atrValue := atrValues[i]
		if math.IsNaN(atrValue) {
			atrValue = 0
		}
		reversalAmounts[i] = ReversalThreshold(
			closes[i],
			d.sensitivity.PercentThreshold,
			d.params.AbsoluteReversal,
			d.sensitivity.ATRMultiplier,
			atrValue,
		)
	}

	// 3. ZigZag 枢轴
	var confirmedPivots, previewPivots []Pivot
	if d.params.Mode != ModePreviewOnly {
		confirmedPivots = d.zigzag.ComputePivots(highs, lows, reversalAmounts)
	}
	if d.params.Mode != ModeConfirmedOnly {
		previewPivots = d.zigzag.ComputePreviewPivots(highs, lows, reversalAmounts)
	}

	allPivots := append(append([]Pivot(nil), confirmedPivots...), previewPivots...)

	// 4. 反转信号
	priceH, priceL := d.zigzag.PreparePrices(highs, lows)

	// 确认信号使用延迟后的价格序列
	phConf, plConf := priceH, priceL
	if cb := d.params.ConfirmationBars; cb > 0 {
		phConf = shiftNaN(priceH, cb)
		plConf = shiftNaN(priceL, cb)
	}

	confirmedSignals := detectReversals(confirmedPivots, n, phConf, plConf)

	var previewSignals []ReversalSignal
	if d.params.Mode != ModeConfirmedOnly && len(previewPivots) > 0 {
		previewSignals = detectReversals(previewPivots, n, priceH, priceL)
		for i := range previewSignals {
			previewSignals[i].IsPreview = true
		}
	}

	allSignals := append(append([]ReversalSignal(nil), confirmedSignals...), previewSignals...)

	// 5. 供需区
	var zones []Zone
	if d.params.GenerateZones {
		zones = GenerateZones(
			confirmedPivots,
			d.params.ZoneThicknessPct,
			d.params.ZoneExtensionBars,
			d.params.MaxZones,
		)
	}

	// 6. EMA 趋势
	trends := ComputeTrend(closes, highs, lows, d.params.EMAFast, d.params.EMAMid, d.params.EMASlow)

	var currentTrend *TrendInfo
	if len(trends) > 0 {
		t := trends[len(trends)-1]
		currentTrend = &t
	}

	lastATR := atrValues[n-1]
	if math.IsNaN(lastATR) {
		lastATR = 0
	}

	return AnalysisResult{
		Signals:          allSignals,
		Pivots:           allPivots,
		Zones:            zones,
		TrendHistory:     trends,
		CurrentTrend:     currentTrend,
		CurrentATR:       lastATR,
		CurrentThreshold: reversalAmounts[n-1],
		ATRMultiplier:    d.sensitivity.ATRMultiplier,
	}
}

// signalState 信号状态机
type signalState struct {
	dir        int
	signal     int
	prevSignal int
	eih        float64
	eil        float64
	eihActual  float64
	eilActual  float64
	eihBar     int
	eilBar     int
	hasHigh    bool
	hasLow     bool
}

// detectReversals 把枢轴序列转换为反转信号
// 方向翻转且价格穿越极值枢轴位时触发信号，信号锚定在枢轴K线上
func detectReversals(pivots []Pivot, nBars int, priceH, priceL []float64) []ReversalSignal {
	state := signalState{}
	var signals []ReversalSignal

	sorted := append([]Pivot(nil), pivots...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].BarIndex < sorted[j].BarIndex
	})

	next := 0

	for i := 0; i < nBars; i++ {
		ph := priceH[i]
		pl := priceL[i]

		// 处理当前K线之前的所有枢轴
		for next < len(sorted) && sorted[next].BarIndex <= i {
			p := sorted[next]
			if p.IsHigh {
				state.eih = p.Price
				state.eihActual = p.ActualPrice
				state.eihBar = p.BarIndex
				state.hasHigh = true
				state.dir = -1
			} else {
				state.eil = p.Price
				state.eilActual = p.ActualPrice
				state.eilBar = p.BarIndex
				state.hasLow = true
				state.dir = 1
			}
			next++
		}

		state.prevSignal = state.signal

		if state.dir > 0 && !math.IsNaN(pl) && state.hasLow {
			if pl > state.eil && state.signal <= 0 {
				state.signal = 1
			}
		} else if state.dir < 0 && !math.IsNaN(ph) && state.hasHigh {
			if ph < state.eih && state.signal >= 0 {
				state.signal = -1
			}
		}

		// 看涨反转起点
		if state.signal > 0 && state.prevSignal <= 0 {
			actual := state.eilActual
			if actual == 0 {
				actual = state.eil
			}
			signals = append(signals, ReversalSignal{
				BarIndex:    state.eilBar,
				Price:       state.eil,
				ActualPrice: actual,
				IsBullish:   true,
			})
		}

		// 看跌反转起点
		if state.signal < 0 && state.prevSignal >= 0 {
			actual := state.eihActual
			if actual == 0 {
				actual = state.eih
			}
			signals = append(signals, ReversalSignal{
				BarIndex:    state.eihBar,
				Price:       state.eih,
				ActualPrice: actual,
				IsBullish:   false,
			})
		}
	}

	return signals
}

// shiftNaN 把序列向后平移 cb 位，前 cb 位填 NaN
func shiftNaN(values []float64, cb int) []float64 {
	n := len(values)
	result := make([]float64, n)
	for i := 0; i < n; i++ {
		if i < cb {
			result[i] = math.NaN()
		} else {
			result[i] = values[i-cb]
		}
	}
	return result
}
