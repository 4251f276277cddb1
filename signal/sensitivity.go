package signal

import "math"

// sensitivityATRMultipliers 灵敏度预设对应的 ATR 乘数
var sensitivityATRMultipliers = map[Sensitivity]float64{
	SensitivityVeryHigh: 0.8,
	SensitivityHigh:     1.2,
	SensitivityMedium:   2.0,
	SensitivityLow:      2.8,
	SensitivityVeryLow:  3.5,
}

// sensitivityPercentThresholds 灵敏度预设对应的百分比阈值（小数）
var sensitivityPercentThresholds = map[Sensitivity]float64{
	SensitivityVeryHigh: 0.005,
	SensitivityHigh:     0.008,
	SensitivityMedium:   0.01,
	SensitivityLow:      0.015,
	SensitivityVeryLow:  0.02,
}

// timeframeATRScale 周期自适应缩放因子
// 低周期 ATR 相对价格波动偏小，需要降低乘数；1h 为基准周期
var timeframeATRScale = map[string]float64{
	"1m":  0.40,
	"3m":  0.50,
	"5m":  0.60,
	"15m": 0.75,
	"30m": 0.85,
	"1h":  1.00,
	"2h":  1.10,
	"4h":  1.20,
	"6h":  1.30,
	"8h":  1.35,
	"12h": 1.40,
	"1d":  1.50,
	"3d":  1.60,
	"1w":  1.70,
	"1M":  1.80,
}

// IsValidSensitivity 判断灵敏度预设是否受支持
func IsValidSensitivity(s Sensitivity) bool {
	if s == SensitivityCustom {
		return true
	}
	_, ok := sensitivityATRMultipliers[s]
	return ok
}

// IsValidSignalMode 判断信号模式是否受支持
func IsValidSignalMode(m SignalMode) bool {
	switch m {
	case ModeConfirmedOnly, ModeConfirmedPreview, ModePreviewOnly:
		return true
	}
	return false
}

// IsValidMethod 判断价格计算方式是否受支持
func IsValidMethod(m Method) bool {
	return m == MethodAverage || m == MethodHighLow
}

// SensitivityConfig 已解析的灵敏度参数
type SensitivityConfig struct {
	ATRMultiplier    float64
	PercentThreshold float64
}

// ResolveSensitivity 解析灵敏度预设（含周期自适应缩放）
// Custom 预设需提供自定义参数，否则回退到 Medium
func ResolveSensitivity(preset Sensitivity, timeframe string, customMult, customPct float64) SensitivityConfig {
	if preset == SensitivityCustom {
		if customMult > 0 && customPct > 0 {
			return SensitivityConfig{
				ATRMultiplier:    customMult,
				PercentThreshold: customPct,
			}
		}
		preset = SensitivityMedium
	}

	baseMult, ok := sensitivityATRMultipliers[preset]
	if !ok {
		baseMult = sensitivityATRMultipliers[SensitivityMedium]
	}
	pct, ok := sensitivityPercentThresholds[preset]
	if !ok {
		pct = sensitivityPercentThresholds[SensitivityMedium]
	}

	scale, ok := timeframeATRScale[timeframe]
	if !ok {
		scale = 1.0
	}

	return SensitivityConfig{
		ATRMultiplier:    math.Round(baseMult*scale*10000) / 10000,
		PercentThreshold: pct,
	}
}

// ReversalThreshold 计算单根K线的反转阈值
// reversalAmount = max(close*pct, max(absRev, atrMult*atr))
// percentThreshold 已是小数（0.01 = 1%）
func ReversalThreshold(close, percentThreshold, absoluteReversal, atrMultiplier, atrValue float64) float64 {
	pctAmount := close * percentThreshold
	atrAmount := atrMultiplier * atrValue
	return math.Max(pctAmount, math.Max(absoluteReversal, atrAmount))
}
