package optimizer

import (
	"math"

	"reversalpro/broker"
	"reversalpro/indicators"
	"reversalpro/signal"
	"reversalpro/storage"
)

// minBacktestBars 回测所需的最少K线数量
const minBacktestBars = 50

// paramCombo 一组待评估的检测参数
type paramCombo struct {
	Sensitivity      signal.Sensitivity
	Mode             signal.SignalMode
	ConfirmationBars int
	ATRLength        int
	AverageLength    int
	AbsoluteReversal float64
}

// BacktestResult 单组参数的回测结果
type BacktestResult struct {
	Sensitivity      string  `json:"sensitivity"`
	SignalMode       string  `json:"signal_mode"`
	Timeframe        string  `json:"timeframe"`
	ConfirmationBars int     `json:"confirmation_bars"`
	Method           string  `json:"method"`
	ATRLength        int     `json:"atr_length"`
	AverageLength    int     `json:"average_length"`
	AbsoluteReversal float64 `json:"absolute_reversal"`
	TotalTrades      int     `json:"total_trades"`
	Winners          int     `json:"winners"`
	Losers           int     `json:"losers"`
	WinRate          float64 `json:"win_rate"`
	TotalPnLPct      float64 `json:"total_pnl_pct"`
	AvgPnLPct        float64 `json:"avg_pnl_pct"`
	ProfitFactor     float64 `json:"profit_factor"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`
	Score            float64 `json:"score"`
}

// simTrade 回测中的一笔已平仓交易
type simTrade struct {
	pnlPct float64
	winner bool
}

func emptyResult(timeframe string, combo paramCombo) *BacktestResult {
	return &BacktestResult{
		Sensitivity:      string(combo.Sensitivity),
		SignalMode:       string(combo.Mode),
		Timeframe:        timeframe,
		ConfirmationBars: combo.ConfirmationBars,
		Method:           string(signal.MethodAverage),
		ATRLength:        combo.ATRLength,
		AverageLength:    combo.AverageLength,
		AbsoluteReversal: combo.AbsoluteReversal,
	}
}

// runBacktest 用指定参数跑检测引擎并模拟纸面交易
// 模拟贴近真实代理行为：同时只持一仓，
// 到达 1 倍风险后移动保本位，TP1 部分止盈后目标 TP2，
// 保本后按最优价减原始风险距离追踪止损
func runBacktest(candles []indicators.Candle, timeframe string, combo paramCombo) *BacktestResult {
	n := len(candles)
	if n < minBacktestBars {
		return emptyResult(timeframe, combo)
	}

	params := signal.Params{
		Mode:             combo.Mode,
		Sensitivity:      combo.Sensitivity,
		Method:           signal.MethodAverage,
		ATRLength:        combo.ATRLength,
		AverageLength:    combo.AverageLength,
		ConfirmationBars: combo.ConfirmationBars,
		AbsoluteReversal: combo.AbsoluteReversal,
		Timeframe:        timeframe,
		GenerateZones:    false,
		EMAFast:          9,
		EMAMid:           14,
		EMASlow:          21,
	}
	analysis := signal.NewDetector(params).Detect(candles)
	signals := analysis.Signals
	if len(signals) == 0 {
		return emptyResult(timeframe, combo)
	}

	atrValues := indicators.ATRSeries(candles, combo.ATRLength)

	// 每根K线只保留最后一个信号
	signalMap := make(map[int]signal.ReversalSignal, len(signals))
	for _, sig := range signals {
		signalMap[sig.BarIndex] = sig
	}

	var trades []simTrade

	inPosition := false
	var (
		posSide          string
		posEntry         float64
		posSL            float64
		posTP1           float64
		posTP2           float64
		posRisk          float64
		posBest          float64
		posPartialClosed bool
		posBreakeven     bool
	)

	for i := 0; i < n; i++ {
		candleHigh := candles[i].High
		candleLow := candles[i].Low

		if inPosition {
			if posSide == storage.SideLong {
				posBest = math.Max(posBest, candleHigh)
			} else {
				posBest = math.Min(posBest, candleLow)
			}

			// 到达 1 倍风险后移动保本位
			if !posBreakeven && posRisk > 0 {
				if posSide == storage.SideLong && candleHigh >= posEntry+posRisk {
					posSL = posEntry
					posBreakeven = true
				} else if posSide == storage.SideShort && candleLow <= posEntry-posRisk {
					posSL = posEntry
					posBreakeven = true
				}
			}

			// 保本后追踪止损，只朝有利方向移动
			if posBreakeven && posRisk > 0 {
				if posSide == storage.SideLong {
					if trailSL := posBest - posRisk; trailSL > posSL {
						posSL = trailSL
					}
				} else {
					if trailSL := posBest + posRisk; trailSL < posSL {
						posSL = trailSL
					}
				}
			}

			hitSL := (posSide == storage.SideLong && candleLow <= posSL) ||
				(posSide == storage.SideShort && candleHigh >= posSL)
			if hitSL {
				pnlPct := exitPnLPct(posSide, posEntry, posSL)
				trades = append(trades, simTrade{pnlPct: pnlPct, winner: pnlPct > 0})
				inPosition = false
				continue
			}

			currentTP := posTP1
			if posPartialClosed {
				currentTP = posTP2
			}
			hitTP := (posSide == storage.SideLong && candleHigh >= currentTP) ||
				(posSide == storage.SideShort && candleLow <= currentTP)
			if hitTP {
				if !posPartialClosed && posTP2 != posTP1 {
					// 部分止盈：剩余仓位继续持有，保本并目标 TP2
					posPartialClosed = true
					posSL = posEntry
					posBreakeven = true
				} else {
					pnlPct := exitPnLPct(posSide, posEntry, currentTP)
					trades = append(trades, simTrade{pnlPct: pnlPct, winner: true})
					inPosition = false
					continue
				}
			}
		}

		if !inPosition {
			sig, ok := signalMap[i]
			if !ok {
				continue
			}
			// 末尾两根K线的信号没有持仓空间
			if i >= n-2 {
				continue
			}

			entryPrice := sig.ActualPrice
			side := storage.SideShort
			if sig.IsBullish {
				side = storage.SideLong
			}

			atr := 0.0
			if i < len(atrValues) && !math.IsNaN(atrValues[i]) {
				atr = atrValues[i]
			}

			// 止损用前一个反向枢轴
			pivotPrice := 0.0
			for j := len(signals) - 1; j >= 0; j-- {
				if signals[j].BarIndex < i && signals[j].IsBullish != sig.IsBullish {
					pivotPrice = signals[j].ActualPrice
					break
				}
			}

			sl, tp1, tp2 := broker.CalculateSLTP(side, entryPrice, pivotPrice, atr, timeframe, 0)

			posSide = side
			posEntry = entryPrice
			posSL = sl
			posTP1 = tp1
			posTP2 = tp2
			posRisk = math.Abs(entryPrice - sl)
			posBest = entryPrice
			posPartialClosed = false
			posBreakeven = false
			inPosition = true
		}
	}

	// 收盘强平最后的持仓
	if inPosition {
		pnlPct := exitPnLPct(posSide, posEntry, candles[n-1].Close)
		trades = append(trades, simTrade{pnlPct: pnlPct, winner: pnlPct > 0})
	}

	if len(trades) == 0 {
		return emptyResult(timeframe, combo)
	}

	winners := 0
	totalPnL := 0.0
	grossProfit := 0.0
	grossLoss := 0.0
	for _, t := range trades {
		if t.winner {
			winners++
		}
		totalPnL += t.pnlPct
		if t.pnlPct > 0 {
			grossProfit += t.pnlPct
		} else {
			grossLoss += -t.pnlPct
		}
	}
	avgPnL := totalPnL / float64(len(trades))
	winRate := float64(winners) / float64(len(trades)) * 100

	profitFactor := 0.0
	switch {
	case grossLoss > 0:
		profitFactor = grossProfit / grossLoss
	case grossProfit > 0:
		profitFactor = 10.0
	}

	// 最大回撤基于逐笔累计收益曲线
	peak := 0.0
	maxDD := 0.0
	equity := 0.0
	for _, t := range trades {
		equity += t.pnlPct
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDD {
			maxDD = dd
		}
	}

	result := emptyResult(timeframe, combo)
	result.TotalTrades = len(trades)
	result.Winners = winners
	result.Losers = len(trades) - winners
	result.WinRate = round1(winRate)
	result.TotalPnLPct = round2(totalPnL)
	result.AvgPnLPct = round3(avgPnL)
	result.ProfitFactor = round2(profitFactor)
	result.MaxDrawdownPct = round2(maxDD)
	result.Score = round2(comboScore(len(trades), winRate, profitFactor, maxDD, avgPnL))
	return result
}

// comboScore 综合评分：胜率 × 盈亏因子 × 交易量加成 × 回撤惩罚 × 均益加成
// 交易笔数过少时额外降权
func comboScore(tradeCount int, winRate, profitFactor, maxDD, avgPnL float64) float64 {
	wrNorm := winRate / 100.0
	tradeBonus := math.Min(math.Sqrt(float64(tradeCount)), 10.0)
	ddPenalty := math.Min(maxDD/15.0, 0.9)
	avgPnLBonus := math.Max(1+avgPnL/10.0, 0.1)

	score := wrNorm * math.Max(profitFactor, 0.01) * tradeBonus * (1 - ddPenalty) * avgPnLBonus

	if tradeCount < 3 {
		score *= 0.3
	} else if tradeCount < 5 {
		score *= 0.6
	}
	return score
}

func exitPnLPct(side string, entry, exit float64) float64 {
	if side == storage.SideLong {
		return (exit - entry) / entry * 100
	}
	return (entry - exit) / entry * 100
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
