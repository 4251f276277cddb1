package broker

import (
	"math"
	"testing"
)

func TestCalculateSLTP_PivotStopLoss(t *testing.T) {
	// 多头: 前低枢轴在最大止损距离内时直接作为止损
	sl, tp1, tp2 := CalculateSLTP("LONG", 100, 99, 0, "1h", 0)
	if sl != 99 {
		t.Errorf("止损应取前低枢轴 99, 得到 %f", sl)
	}
	// 1h 盈亏比 3.0: TP1 = 100 + 3*1 = 103
	if tp1 != 103 {
		t.Errorf("TP1 应为 103, 得到 %f", tp1)
	}
	// TP2 = 100 + 1.5*(103-100) = 104.5
	if tp2 != 104.5 {
		t.Errorf("TP2 应为 104.5, 得到 %f", tp2)
	}
}

func TestCalculateSLTP_ATRFallback(t *testing.T) {
	// 无枢轴时用 ATR 距离: 1h ATR 倍数 1.5
	sl, _, _ := CalculateSLTP("LONG", 100, 0, 0.8, "1h", 0)
	if math.Abs(sl-98.8) > 1e-9 {
		t.Errorf("ATR 止损应为 98.8, 得到 %f", sl)
	}

	// 空头对称
	sl, _, _ = CalculateSLTP("SHORT", 100, 0, 0.8, "1h", 0)
	if math.Abs(sl-101.2) > 1e-9 {
		t.Errorf("空头 ATR 止损应为 101.2, 得到 %f", sl)
	}
}

func TestCalculateSLTP_MaxSLClamp(t *testing.T) {
	// 1h 最大止损 1.5%: 枢轴太远时被钳制
	sl, _, _ := CalculateSLTP("LONG", 100, 90, 0, "1h", 0)
	if sl != 98.5 {
		t.Errorf("止损应被钳制到 98.5, 得到 %f", sl)
	}

	sl, _, _ = CalculateSLTP("SHORT", 100, 110, 0, "1h", 0)
	if sl != 101.5 {
		t.Errorf("空头止损应被钳制到 101.5, 得到 %f", sl)
	}
}

func TestCalculateSLTP_FallbackPercent(t *testing.T) {
	// 无枢轴无 ATR: 1h 兜底止损 2%
	sl, _, _ := CalculateSLTP("LONG", 100, 0, 0, "1h", 0)
	if sl != 98 {
		t.Errorf("兜底止损应为 98, 得到 %f", sl)
	}
}

func TestCalculateSLTP_ZoneTPOverride(t *testing.T) {
	// 供需区目标盈亏比 >= 1 时覆盖默认 TP1
	// 入场 100, SL 99 (风险 1), 区目标 101.5 (RR 1.5) -> TP1 = 101.5
	sl, tp1, tp2 := CalculateSLTP("LONG", 100, 99, 0, "1h", 101.5)
	if sl != 99 {
		t.Fatalf("止损应为 99, 得到 %f", sl)
	}
	if tp1 != 101.5 {
		t.Errorf("TP1 应被区目标覆盖为 101.5, 得到 %f", tp1)
	}
	if math.Abs(tp2-102.25) > 1e-9 {
		t.Errorf("TP2 应为 102.25, 得到 %f", tp2)
	}

	// 区目标盈亏比 < 1 时不覆盖
	_, tp1, _ = CalculateSLTP("LONG", 100, 99, 0, "1h", 100.5)
	if tp1 != 103 {
		t.Errorf("区目标盈亏比不足时 TP1 应为默认 103, 得到 %f", tp1)
	}
}

func TestIsRiskTooSmall(t *testing.T) {
	// 1h 最小风险 0.40%
	if !isRiskTooSmall(100, 99.9, "1h") {
		t.Error("0.1%% 风险在 1h 上应被拒绝")
	}
	if isRiskTooSmall(100, 99, "1h") {
		t.Error("1%% 风险在 1h 上不应被拒绝")
	}

	// 5m 最小风险 0.15%
	if isRiskTooSmall(100, 99.8, "5m") {
		t.Error("0.2%% 风险在 5m 上不应被拒绝")
	}
	if !isRiskTooSmall(100, 99.9, "5m") {
		t.Error("0.1%% 风险在 5m 上应被拒绝")
	}
}

func TestRiskParamsFor(t *testing.T) {
	p := riskParamsFor("1h")
	if p.RRRatio != 3.0 || p.ATRMult != 1.5 || p.MaxSLPct != 1.50 {
		t.Errorf("1h 风险参数错误: %+v", p)
	}
	p = riskParamsFor("1m")
	if p.RRRatio != 1.5 || p.MaxSLPct != 0.30 {
		t.Errorf("1m 风险参数错误: %+v", p)
	}
	// 未知大周期回退 1d 档
	p = riskParamsFor("1w")
	if p.RRRatio != 3.0 || p.MaxSLPct != 5.0 {
		t.Errorf("1w 应回退 1d 档: %+v", p)
	}

	tp := trailParamsFor("15m")
	if tp.TrailATRMult != 1.2 || tp.ActivationMult != 1.5 {
		t.Errorf("15m 追踪参数错误: %+v", tp)
	}
}

func TestStalenessBudget(t *testing.T) {
	cases := map[string]int{
		"1m": 15, "5m": 10, "15m": 8, "1h": 6, "4h": 4, "1d": 4,
	}
	for tf, want := range cases {
		if got := stalenessBudget(tf); got != want {
			t.Errorf("%s 保鲜预算应为 %d, 得到 %d", tf, want, got)
		}
	}
}
