package signal

import (
	"math"
	"testing"
)

// zigzagFixture 构造一段先涨后跌再涨的高低价序列
func zigzagFixture() (highs, lows, amounts []float64) {
	closes := []float64{
		100, 102, 104, 106, 108, 110, // 上行
		108, 106, 104, 102, 100, 98, // 下行
		100, 102, 104, 106, 108, 110, // 再上行
	}
	n := len(closes)
	highs = make([]float64, n)
	lows = make([]float64, n)
	amounts = make([]float64, n)
	for i, c := range closes {
		highs[i] = c + 0.5
		lows[i] = c - 0.5
		amounts[i] = 4.0 // 固定反转阈值
	}
	return
}

func TestZigZag_HighLowPivots(t *testing.T) {
	highs, lows, amounts := zigzagFixture()

	zz := NewZigZag(MethodHighLow, 5, 0)
	pivots := zz.ComputePivots(highs, lows, amounts)

	if len(pivots) < 2 {
		t.Fatalf("应检测到至少 2 个枢轴, 得到 %d", len(pivots))
	}

	// 第一个枢轴应是顶部高点
	first := pivots[0]
	if !first.IsHigh {
		t.Error("第一个枢轴应为高点")
	}
	if first.BarIndex != 5 {
		t.Errorf("高点枢轴应在 bar 5, 得到 %d", first.BarIndex)
	}
	if first.ActualPrice != 110.5 {
		t.Errorf("高点枢轴原始价应为 110.5, 得到 %f", first.ActualPrice)
	}

	// 第二个枢轴应是底部低点
	second := pivots[1]
	if second.IsHigh {
		t.Error("第二个枢轴应为低点")
	}
	if second.BarIndex != 11 {
		t.Errorf("低点枢轴应在 bar 11, 得到 %d", second.BarIndex)
	}
}

func TestZigZag_ConfirmationDelay(t *testing.T) {
	highs, lows, amounts := zigzagFixture()

	// 确认延迟下枢轴依然出现，只是确认更晚
	zz := NewZigZag(MethodHighLow, 5, 2)
	pivots := zz.ComputePivots(highs, lows, amounts)

	if len(pivots) == 0 {
		t.Fatal("确认延迟下仍应检测到枢轴")
	}
	for _, p := range pivots {
		if p.IsPreview {
			t.Error("确认版枢轴不应标记为预览")
		}
	}
}

func TestZigZag_PreviewMarked(t *testing.T) {
	highs, lows, amounts := zigzagFixture()

	zz := NewZigZag(MethodHighLow, 5, 0)
	previews := zz.ComputePreviewPivots(highs, lows, amounts)

	if len(previews) == 0 {
		t.Fatal("预览版应检测到枢轴")
	}
	for _, p := range previews {
		if !p.IsPreview {
			t.Error("预览枢轴必须标记 IsPreview")
		}
	}
}

func TestZigZag_NaNThresholdSkipped(t *testing.T) {
	highs, lows, amounts := zigzagFixture()
	for i := 0; i < 3; i++ {
		amounts[i] = math.NaN()
	}

	zz := NewZigZag(MethodHighLow, 5, 0)
	// NaN 阈值的K线被跳过，不应崩溃
	pivots := zz.ComputePivots(highs, lows, amounts)
	if len(pivots) == 0 {
		t.Error("跳过 NaN 阈值后仍应检测到枢轴")
	}
}
