// Package analysis 分析服务
// 拉取K线 -> 检测反转信号 -> 持久化 -> 广播事件
package analysis

import (
	"context"
	"fmt"
	"math"
	"time"

	"reversalpro/event"
	"reversalpro/exchange"
	"reversalpro/indicators"
	"reversalpro/logger"
	"reversalpro/metrics"
	"reversalpro/signal"
	"reversalpro/storage"
)

// Result 单次分析的完整结果
type Result struct {
	Symbol    string
	Timeframe string
	Candles   []indicators.Candle
	Analysis  signal.AnalysisResult

	// 本次新入库的确认信号（用于通知和开仓判断）
	NewConfirmed []*storage.Signal
}

// Service 分析服务
type Service struct {
	repo    *storage.Repository
	bars    exchange.BarSource
	bus     *event.EventBus
	metrics *metrics.PrometheusMetrics
}

// NewService 创建分析服务
func NewService(repo *storage.Repository, bars exchange.BarSource, bus *event.EventBus) *Service {
	return &Service{
		repo:    repo,
		bars:    bars,
		bus:     bus,
		metrics: metrics.GetPrometheusMetrics(),
	}
}

// ParamsFromAgent 从代理配置构建检测参数
func ParamsFromAgent(agent *storage.Agent) signal.Params {
	p := signal.DefaultParams(agent.Timeframe)
	p.Sensitivity = signal.Sensitivity(agent.Sensitivity)
	p.Mode = signal.SignalMode(agent.SignalMode)
	p.Method = signal.Method(agent.Method)
	p.ATRLength = agent.ATRLength
	p.AverageLength = agent.AverageLength
	p.ConfirmationBars = agent.ConfirmationBars
	p.AbsoluteReversal = agent.AbsoluteReversal
	return p
}

// Run 执行一次完整分析
// 同一参数重复运行幂等：信号按自然键 UPSERT，消失的信号被清理
func (s *Service) Run(ctx context.Context, symbol string, limit int, params signal.Params) (*Result, error) {
	start := time.Now()

	if !signal.IsValidTimeframe(params.Timeframe) {
		return nil, fmt.Errorf("不支持的时间周期: %s", params.Timeframe)
	}
	if limit <= 0 {
		limit = 500
	}

	candles, err := s.bars.GetKlines(ctx, symbol, params.Timeframe, limit)
	if err != nil {
		s.metrics.RecordAnalysisRun(symbol, params.Timeframe, "error", time.Since(start))
		return nil, fmt.Errorf("获取K线失败: %w", err)
	}
	if len(candles) == 0 {
		s.metrics.RecordAnalysisRun(symbol, params.Timeframe, "error", time.Since(start))
		return nil, fmt.Errorf("交易对 %s %s 没有K线数据", symbol, params.Timeframe)
	}

	if err := s.repo.SaveBars(ctx, symbol, params.Timeframe, candles); err != nil {
		logger.Warn("⚠️ 保存K线失败: %v", err)
	}

	detector := signal.NewDetector(params)
	result := detector.Detect(candles)

	if err := s.persistIndicators(ctx, symbol, params, candles, result); err != nil {
		logger.Warn("⚠️ 保存指标失败: %v", err)
	}

	newConfirmed, err := s.persistSignals(ctx, symbol, params, candles, result)
	if err != nil {
		s.metrics.RecordAnalysisRun(symbol, params.Timeframe, "error", time.Since(start))
		return nil, fmt.Errorf("同步信号失败: %w", err)
	}

	if err := s.persistZones(ctx, symbol, params, candles, result); err != nil {
		logger.Warn("⚠️ 保存供需区失败: %v", err)
	}

	trendState := string(signal.TrendNeutral)
	if result.CurrentTrend != nil {
		trendState = string(result.CurrentTrend.State)
	}
	run := &storage.AnalysisRun{
		Symbol:        symbol,
		Timeframe:     params.Timeframe,
		Sensitivity:   string(params.Sensitivity),
		SignalMode:    string(params.Mode),
		ATRMultiplier: result.ATRMultiplier,
		CurrentATR:    result.CurrentATR,
		Threshold:     result.CurrentThreshold,
		CurrentTrend:  trendState,
		TotalSignals:  len(result.Signals),
		TotalZones:    len(result.Zones),
		BarsAnalyzed:  len(candles),
	}
	if err := s.repo.SaveAnalysisRun(ctx, run); err != nil {
		logger.Warn("⚠️ 保存分析记录失败: %v", err)
	}

	s.metrics.SetATR(symbol, params.Timeframe, result.CurrentATR)
	s.metrics.SetThreshold(symbol, params.Timeframe, result.CurrentThreshold)
	s.metrics.RecordAnalysisRun(symbol, params.Timeframe, "success", time.Since(start))

	for _, sig := range newConfirmed {
		direction := "bearish"
		if sig.IsBullish {
			direction = "bullish"
		}
		s.metrics.RecordSignalDetected(symbol, params.Timeframe, direction)
		logger.Info("📊 检测到新确认信号: %s %s %s @ %.4f",
			symbol, params.Timeframe, direction, sig.ActualPrice)
		if s.bus != nil {
			s.bus.Publish(&event.Event{
				Type:      event.EventTypeSignalDetected,
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"symbol":      symbol,
					"timeframe":   params.Timeframe,
					"direction":   direction,
					"price":       sig.ActualPrice,
					"signal_time": sig.Time.Format(time.RFC3339),
					"sensitivity": string(params.Sensitivity),
				},
			})
		}
	}

	return &Result{
		Symbol:       symbol,
		Timeframe:    params.Timeframe,
		Candles:      candles,
		Analysis:     result,
		NewConfirmed: newConfirmed,
	}, nil
}

// persistIndicators 保存逐K线的 EMA / ATR / 趋势快照
func (s *Service) persistIndicators(ctx context.Context, symbol string, params signal.Params, candles []indicators.Candle, result signal.AnalysisResult) error {
	atrSeries := indicators.ATRSeries(candles, params.ATRLength)
	rows := make([]storage.IndicatorRow, 0, len(candles))
	for i, c := range candles {
		row := storage.IndicatorRow{
			Time:      time.UnixMilli(c.Time).UTC(),
			Symbol:    symbol,
			Timeframe: params.Timeframe,
		}
		if i < len(atrSeries) && !math.IsNaN(atrSeries[i]) {
			row.ATR = atrSeries[i]
		}
		if i < len(result.TrendHistory) {
			ti := result.TrendHistory[i]
			row.EMA9 = ti.EMAFast
			row.EMA14 = ti.EMAMid
			row.EMA21 = ti.EMASlow
			row.Trend = string(ti.State)
		}
		rows = append(rows, row)
	}
	return s.repo.SaveIndicators(ctx, rows)
}

// persistSignals 按自然键同步检测结果，返回新入库的确认信号
func (s *Service) persistSignals(ctx context.Context, symbol string, params signal.Params, candles []indicators.Candle, result signal.AnalysisResult) ([]*storage.Signal, error) {
	sigs := make([]*storage.Signal, 0, len(result.Signals))
	for _, rs := range result.Signals {
		if rs.BarIndex < 0 || rs.BarIndex >= len(candles) {
			continue
		}
		sigs = append(sigs, &storage.Signal{
			Time:        time.UnixMilli(candles[rs.BarIndex].Time).UTC(),
			Symbol:      symbol,
			Timeframe:   params.Timeframe,
			IsBullish:   rs.IsBullish,
			BarIndex:    rs.BarIndex,
			Price:       rs.Price,
			ActualPrice: rs.ActualPrice,
			IsPreview:   rs.IsPreview,
			SignalLabel: "REVERSAL",
		})
	}

	windowStart := time.UnixMilli(candles[0].Time).UTC()
	return s.repo.SyncSignals(ctx, symbol, params.Timeframe, windowStart, sigs)
}

// persistZones 整表替换供需区
func (s *Service) persistZones(ctx context.Context, symbol string, params signal.Params, candles []indicators.Candle, result signal.AnalysisResult) error {
	zones := make([]*storage.Zone, 0, len(result.Zones))
	for _, z := range result.Zones {
		startBar := z.StartBar
		if startBar < 0 || startBar >= len(candles) {
			continue
		}
		zones = append(zones, &storage.Zone{
			Time:        time.UnixMilli(candles[startBar].Time).UTC(),
			Symbol:      symbol,
			Timeframe:   params.Timeframe,
			ZoneType:    string(z.Type),
			CenterPrice: z.CenterPrice,
			TopPrice:    z.TopPrice,
			BottomPrice: z.BottomPrice,
			StartBar:    z.StartBar,
			EndBar:      z.EndBar,
		})
	}
	return s.repo.ReplaceZones(ctx, symbol, params.Timeframe, zones)
}
