package indicators

import "math"

// ========== 波动率指标 ==========

// ATR 平均真实波幅（Wilder 平滑）
type ATR struct {
	period int
}

// NewATR 创建 ATR 指标
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

// Name 指标名称
func (a *ATR) Name() string {
	return "ATR"
}

// Period 所需周期数
func (a *ATR) Period() int {
	return a.period + 1
}

// Calculate 计算 ATR（逐K线对齐，前 period-1 个元素为 NaN）
func (a *ATR) Calculate(candles []Candle) []float64 {
	return ATRSeries(candles, a.period)
}

// CurrentATR 获取当前 ATR 值
func (a *ATR) CurrentATR(candles []Candle) float64 {
	atr := a.Calculate(candles)
	if len(atr) == 0 {
		return 0
	}
	v := atr[len(atr)-1]
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// ATRSeries 计算 ATR 序列（Wilder RMA 平滑，SMA 作为种子）
// 返回与输入等长的序列，前 period-1 个元素为 NaN
func ATRSeries(candles []Candle, period int) []float64 {
	result := make([]float64, len(candles))
	for i := range result {
		result[i] = math.NaN()
	}
	if period <= 0 || len(candles) < period {
		return result
	}

	tr := TrueRangeSeries(candles)

	// 种子：前 period 个 TR 的简单平均
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += tr[i]
	}
	result[period-1] = sum / float64(period)

	// Wilder 递推：atr = (prev*(period-1) + tr) / period
	for i := period; i < len(tr); i++ {
		result[i] = (result[i-1]*float64(period-1) + tr[i]) / float64(period)
	}

	return result
}

// LastValid 返回序列中最后一个非 NaN 值，不存在时返回 0
func LastValid(values []float64) float64 {
	for i := len(values) - 1; i >= 0; i-- {
		if !math.IsNaN(values[i]) {
			return values[i]
		}
	}
	return 0
}
