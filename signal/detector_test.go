package signal

import (
	"math"
	"testing"

	"reversalpro/indicators"
)

// makeCandles 从收盘价序列生成K线（高低价围绕收盘价小幅波动）
func makeCandles(closes []float64) []indicators.Candle {
	candles := make([]indicators.Candle, len(closes))
	for i, c := range closes {
		candles[i] = indicators.Candle{
			Time:   int64(1700000000000 + i*60000),
			Open:   c,
			High:   c + 0.5,
			Low:    c - 0.5,
			Close:  c,
			Volume: 1000,
		}
	}
	return candles
}

// vShapeCloses 先跌后涨的V形价格序列
func vShapeCloses() []float64 {
	closes := make([]float64, 0, 60)
	price := 120.0
	for i := 0; i < 30; i++ {
		closes = append(closes, price)
		price -= 2.0
	}
	for i := 0; i < 30; i++ {
		closes = append(closes, price)
		price += 2.0
	}
	return closes
}

func TestDetector_VShapeBullishReversal(t *testing.T) {
	params := DefaultParams("1h")
	params.Sensitivity = SensitivityHigh
	detector := NewDetector(params)

	result := detector.Detect(makeCandles(vShapeCloses()))

	// V形底部应产生看涨反转信号
	foundBullish := false
	for _, s := range result.Signals {
		if s.IsBullish && !s.IsPreview {
			foundBullish = true
			// 信号应锚定在接近底部的K线上
			if s.BarIndex < 20 || s.BarIndex > 45 {
				t.Errorf("看涨信号位置异常: bar=%d", s.BarIndex)
			}
		}
	}
	if !foundBullish {
		t.Error("V形反转应产生看涨信号")
	}

	if result.CurrentATR <= 0 {
		t.Errorf("ATR 应为正值, 得到 %f", result.CurrentATR)
	}
	if result.CurrentThreshold <= 0 {
		t.Errorf("反转阈值应为正值, 得到 %f", result.CurrentThreshold)
	}
}

func TestDetector_EmptyAndShortInput(t *testing.T) {
	detector := NewDetector(DefaultParams("1h"))

	// 空输入返回空结果
	result := detector.Detect(nil)
	if len(result.Signals) != 0 || len(result.Pivots) != 0 {
		t.Error("空输入应返回空结果")
	}

	// K线数量不足时不应崩溃，且不产生信号
	result = detector.Detect(makeCandles([]float64{100, 101, 99}))
	if len(result.Signals) != 0 {
		t.Errorf("数据不足时不应产生信号, 得到 %d 个", len(result.Signals))
	}
}

func TestDetector_Deterministic(t *testing.T) {
	// 相同输入必须产生相同输出
	candles := makeCandles(vShapeCloses())
	params := DefaultParams("1h")

	r1 := NewDetector(params).Detect(candles)
	r2 := NewDetector(params).Detect(candles)

	if len(r1.Signals) != len(r2.Signals) {
		t.Fatalf("信号数量不一致: %d vs %d", len(r1.Signals), len(r2.Signals))
	}
	for i := range r1.Signals {
		if r1.Signals[i] != r2.Signals[i] {
			t.Errorf("信号 %d 不一致: %+v vs %+v", i, r1.Signals[i], r2.Signals[i])
		}
	}
}

func TestDetector_NonRepainting(t *testing.T) {
	// 确认模式下，追加新K线不应改变历史确认信号
	closes := vShapeCloses()
	params := DefaultParams("1h")
	params.ConfirmationBars = 2

	full := NewDetector(params).Detect(makeCandles(closes))
	partial := NewDetector(params).Detect(makeCandles(closes[:50]))

	// partial 中已出现的确认信号在 full 中必须原样存在
	for _, ps := range partial.Signals {
		if ps.IsPreview {
			continue
		}
		found := false
		for _, fs := range full.Signals {
			if !fs.IsPreview && fs.BarIndex == ps.BarIndex && fs.IsBullish == ps.IsBullish {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("确认信号在追加K线后消失: %+v", ps)
		}
	}
}

func TestDetector_PreviewMode(t *testing.T) {
	closes := vShapeCloses()
	params := DefaultParams("1h")
	params.Mode = ModeConfirmedPreview

	result := NewDetector(params).Detect(makeCandles(closes))

	hasPreview := false
	for _, p := range result.Pivots {
		if p.IsPreview {
			hasPreview = true
		}
	}
	if !hasPreview {
		t.Error("Confirmed + Preview 模式应产生预览枢轴")
	}
}

func TestDetector_ZoneGeneration(t *testing.T) {
	params := DefaultParams("1h")
	params.GenerateZones = true
	params.MaxZones = 3

	result := NewDetector(params).Detect(makeCandles(vShapeCloses()))

	if len(result.Zones) > 3 {
		t.Errorf("供需区数量超过上限: %d", len(result.Zones))
	}
	for _, z := range result.Zones {
		if z.TopPrice <= z.BottomPrice {
			t.Errorf("供需区上下边界异常: top=%f bottom=%f", z.TopPrice, z.BottomPrice)
		}
		if z.EndBar != z.StartBar+params.ZoneExtensionBars {
			t.Errorf("供需区延伸长度错误: start=%d end=%d", z.StartBar, z.EndBar)
		}
		center := (z.TopPrice + z.BottomPrice) / 2
		if math.Abs(center-z.CenterPrice) > 1e-9 {
			t.Errorf("供需区中心价不一致: %f vs %f", center, z.CenterPrice)
		}
	}
}

func TestReversalThreshold(t *testing.T) {
	// reversalAmount = max(close*pct, max(absRev, atrMult*atr))

	// ATR 项占主导
	got := ReversalThreshold(100, 0.01, 0.05, 2.0, 3.0)
	if got != 6.0 {
		t.Errorf("ATR 主导时阈值应为 6.0, 得到 %f", got)
	}

	// 百分比项占主导
	got = ReversalThreshold(1000, 0.01, 0.05, 2.0, 1.0)
	if got != 10.0 {
		t.Errorf("百分比主导时阈值应为 10.0, 得到 %f", got)
	}

	// 绝对值项占主导
	got = ReversalThreshold(1, 0.005, 0.5, 0.8, 0.1)
	if got != 0.5 {
		t.Errorf("绝对值主导时阈值应为 0.5, 得到 %f", got)
	}
}

func TestResolveSensitivity(t *testing.T) {
	// 1h 为基准周期，不缩放
	cfg := ResolveSensitivity(SensitivityMedium, "1h", 0, 0)
	if cfg.ATRMultiplier != 2.0 || cfg.PercentThreshold != 0.01 {
		t.Errorf("Medium@1h 解析错误: %+v", cfg)
	}

	// 1m 周期缩放 0.40
	cfg = ResolveSensitivity(SensitivityMedium, "1m", 0, 0)
	if cfg.ATRMultiplier != 0.8 {
		t.Errorf("Medium@1m 应为 0.8, 得到 %f", cfg.ATRMultiplier)
	}

	// 1d 周期缩放 1.50
	cfg = ResolveSensitivity(SensitivityVeryLow, "1d", 0, 0)
	if cfg.ATRMultiplier != 5.25 {
		t.Errorf("VeryLow@1d 应为 5.25, 得到 %f", cfg.ATRMultiplier)
	}

	// Custom 预设使用自定义参数
	cfg = ResolveSensitivity(SensitivityCustom, "1h", 1.7, 0.012)
	if cfg.ATRMultiplier != 1.7 || cfg.PercentThreshold != 0.012 {
		t.Errorf("Custom 解析错误: %+v", cfg)
	}

	// Custom 缺参数时回退 Medium
	cfg = ResolveSensitivity(SensitivityCustom, "1h", 0, 0)
	if cfg.ATRMultiplier != 2.0 {
		t.Errorf("Custom 缺参数应回退 Medium, 得到 %f", cfg.ATRMultiplier)
	}
}
