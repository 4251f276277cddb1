package signal

import "testing"

func TestComputeTrend_Bullish(t *testing.T) {
	// 持续上涨序列：EMA9 > EMA14 > EMA21 且 low > EMA9
	n := 60
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	price := 100.0
	for i := 0; i < n; i++ {
		closes[i] = price
		highs[i] = price + 0.2
		lows[i] = price + 0.1 // low 保持在 EMA 之上
		price += 2.0
	}

	trends := ComputeTrend(closes, highs, lows, 9, 14, 21)
	if len(trends) != n {
		t.Fatalf("趋势序列长度应为 %d, 得到 %d", n, len(trends))
	}

	last := trends[n-1]
	if last.State != TrendBullish {
		t.Errorf("持续上涨应为多头趋势, 得到 %s", last.State)
	}
	if !(last.EMAFast > last.EMAMid && last.EMAMid > last.EMASlow) {
		t.Errorf("EMA 排列错误: %f %f %f", last.EMAFast, last.EMAMid, last.EMASlow)
	}
}

func TestComputeTrend_Bearish(t *testing.T) {
	n := 60
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	price := 300.0
	for i := 0; i < n; i++ {
		closes[i] = price
		highs[i] = price - 0.1 // high 保持在 EMA 之下
		lows[i] = price - 0.2
		price -= 2.0
	}

	trends := ComputeTrend(closes, highs, lows, 9, 14, 21)
	last := trends[len(trends)-1]
	if last.State != TrendBearish {
		t.Errorf("持续下跌应为空头趋势, 得到 %s", last.State)
	}
}

func TestComputeTrend_WarmupNeutral(t *testing.T) {
	// EMA21 未形成前必须保持中性
	n := 30
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i := 0; i < n; i++ {
		closes[i] = 100 + float64(i)
		highs[i] = closes[i] + 0.5
		lows[i] = closes[i] - 0.5
	}

	trends := ComputeTrend(closes, highs, lows, 9, 14, 21)
	for i := 0; i < 20; i++ {
		if trends[i].State != TrendNeutral {
			t.Errorf("第 %d 根K线应为中性（EMA 未形成）, 得到 %s", i, trends[i].State)
		}
	}
}
