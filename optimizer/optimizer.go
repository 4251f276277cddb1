// Package optimizer 参数网格搜索优化器
// 对每个周期回测全部 (灵敏度, 信号模式, 引擎参数) 组合，
// 以最优组合创建未激活的纸面代理
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reversalpro/event"
	"reversalpro/logger"
	"reversalpro/metrics"
	"reversalpro/signal"
	"reversalpro/storage"
)

// 默认参数网格，取值贴近 Pine Script 默认值附近
// method 固定为 average，不参与搜索
var (
	gridTimeframes = []string{"1m", "5m", "15m", "1h", "4h", "1d"}

	gridSensitivities = []signal.Sensitivity{
		signal.SensitivityVeryHigh,
		signal.SensitivityHigh,
		signal.SensitivityMedium,
		signal.SensitivityLow,
		signal.SensitivityVeryLow,
	}

	gridSignalModes = []signal.SignalMode{
		signal.ModeConfirmedOnly,
		signal.ModeConfirmedPreview,
	}

	gridConfirmationBars  = []int{0, 1, 2}
	gridATRLengths        = []int{3, 5, 7}
	gridAverageLengths    = []int{3, 5, 7}
	gridAbsoluteReversals = []float64{0.3, 0.5, 0.8}
)

// 优化器状态
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
)

// ErrAlreadyRunning 已有优化任务在运行
var ErrAlreadyRunning = errors.New("optimization already running")

// FixedParams 锁定不参与网格搜索的参数
// 零值字段使用完整默认网格
type FixedParams struct {
	Timeframes       []string `json:"timeframes,omitempty"`
	Sensitivity      string   `json:"sensitivity,omitempty"`
	SignalMode       string   `json:"signal_mode,omitempty"`
	ConfirmationBars *int     `json:"confirmation_bars,omitempty"`
	ATRLength        *int     `json:"atr_length,omitempty"`
	AverageLength    *int     `json:"average_length,omitempty"`
	AbsoluteReversal *float64 `json:"absolute_reversal,omitempty"`
}

// OptimizedAgent 优化结束后创建或更新的代理摘要
type OptimizedAgent struct {
	Action           string  `json:"action"` // created / updated
	AgentID          uint64  `json:"agent_id"`
	Name             string  `json:"name"`
	Timeframe        string  `json:"timeframe"`
	Sensitivity      string  `json:"sensitivity"`
	SignalMode       string  `json:"signal_mode"`
	ConfirmationBars int     `json:"confirmation_bars"`
	ATRLength        int     `json:"atr_length"`
	AverageLength    int     `json:"average_length"`
	AbsoluteReversal float64 `json:"absolute_reversal"`
	Score            float64 `json:"score"`
	WinRate          float64 `json:"win_rate"`
	ProfitFactor     float64 `json:"profit_factor"`
	TotalTrades      int     `json:"total_trades"`
}

// Progress 优化进度快照
type Progress struct {
	Status         string                     `json:"status"`
	StartedAt      string                     `json:"started_at,omitempty"`
	FinishedAt     string                     `json:"finished_at,omitempty"`
	CurrentTF      string                     `json:"current_tf"`
	CurrentCombo   int                        `json:"current_combo"`
	TotalCombos    int                        `json:"total_combos"`
	ElapsedSeconds float64                    `json:"elapsed_seconds"`
	Results        map[string]*BacktestResult `json:"results"`
	CreatedAgents  []OptimizedAgent           `json:"created_agents,omitempty"`
	Error          string                     `json:"error,omitempty"`
}

// grid 本次优化实际使用的各维度取值
type grid struct {
	timeframes    []string
	sensitivities []signal.Sensitivity
	modes         []signal.SignalMode
	confBars      []int
	atrLengths    []int
	avgLengths    []int
	absReversals  []float64
}

// combosPerTF 单周期的组合数
func (g grid) combosPerTF() int {
	return len(g.sensitivities) * len(g.modes) * len(g.confBars) *
		len(g.atrLengths) * len(g.avgLengths) * len(g.absReversals)
}

// totalCombos 全部周期的组合总数
func (g grid) totalCombos() int {
	return len(g.timeframes) * g.combosPerTF()
}

// buildGrid 按锁定参数构造网格，未锁定维度取完整默认值
func buildGrid(fixed FixedParams) grid {
	g := grid{
		timeframes:    gridTimeframes,
		sensitivities: gridSensitivities,
		modes:         gridSignalModes,
		confBars:      gridConfirmationBars,
		atrLengths:    gridATRLengths,
		avgLengths:    gridAverageLengths,
		absReversals:  gridAbsoluteReversals,
	}
	if len(fixed.Timeframes) > 0 {
		g.timeframes = fixed.Timeframes
	}
	if fixed.Sensitivity != "" {
		g.sensitivities = []signal.Sensitivity{signal.Sensitivity(fixed.Sensitivity)}
	}
	if fixed.SignalMode != "" {
		g.modes = []signal.SignalMode{signal.SignalMode(fixed.SignalMode)}
	}
	if fixed.ConfirmationBars != nil {
		g.confBars = []int{*fixed.ConfirmationBars}
	}
	if fixed.ATRLength != nil {
		g.atrLengths = []int{*fixed.ATRLength}
	}
	if fixed.AverageLength != nil {
		g.avgLengths = []int{*fixed.AverageLength}
	}
	if fixed.AbsoluteReversal != nil {
		g.absReversals = []float64{*fixed.AbsoluteReversal}
	}
	return g
}

// Optimizer 后台网格搜索任务，同一时刻最多一个
type Optimizer struct {
	repo    *storage.Repository
	bus     *event.EventBus
	metrics *metrics.PrometheusMetrics

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	progress Progress
}

// NewOptimizer 创建优化器
func NewOptimizer(repo *storage.Repository, bus *event.EventBus) *Optimizer {
	return &Optimizer{
		repo:     repo,
		bus:      bus,
		metrics:  metrics.GetPrometheusMetrics(),
		progress: Progress{Status: StatusIdle, Results: make(map[string]*BacktestResult)},
	}
}

// IsRunning 是否有优化任务在运行
func (o *Optimizer) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Progress 返回当前进度的拷贝
func (o *Optimizer) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()

	snapshot := o.progress
	snapshot.Results = make(map[string]*BacktestResult, len(o.progress.Results))
	for tf, result := range o.progress.Results {
		copied := *result
		snapshot.Results[tf] = &copied
	}
	snapshot.CreatedAgents = append([]OptimizedAgent(nil), o.progress.CreatedAgents...)
	return snapshot
}

// Cancel 取消正在运行的优化任务
func (o *Optimizer) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Start 启动后台优化任务，已有任务运行时返回 ErrAlreadyRunning
func (o *Optimizer) Start(ctx context.Context, symbol string, fixed FixedParams) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	g := buildGrid(fixed)

	o.running = true
	o.cancel = cancel
	o.progress = Progress{
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC().Format(time.RFC3339),
		TotalCombos: g.totalCombos(),
		Results:     make(map[string]*BacktestResult),
	}
	o.mu.Unlock()

	logger.Info("🧪 优化开始: %s, %d 个周期 × %d 组参数 = %d 组合",
		symbol, len(g.timeframes), g.combosPerTF(), g.totalCombos())
	o.metrics.SetOptimizerRunning(true)

	go func() {
		defer cancel()
		err := o.run(runCtx, symbol, g)

		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.progress.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		if err != nil {
			o.progress.Status = StatusError
			o.progress.Error = err.Error()
		} else {
			o.progress.Status = StatusDone
		}
		elapsed := o.progress.ElapsedSeconds
		agentCount := len(o.progress.CreatedAgents)
		o.mu.Unlock()

		o.metrics.SetOptimizerRunning(false)

		if err != nil {
			logger.Error("❌ 优化失败: %v", err)
			o.publish(event.EventTypeOptimizerFailed, map[string]interface{}{
				"symbol": symbol,
				"error":  err.Error(),
			})
			return
		}

		logger.Info("✅ 优化完成, 耗时 %.1fs, 创建/更新 %d 个代理", elapsed, agentCount)
		o.publish(event.EventTypeOptimizerDone, map[string]interface{}{
			"symbol":          symbol,
			"total_combos":    g.totalCombos(),
			"elapsed_seconds": elapsed,
			"agents":          agentCount,
		})
	}()

	return nil
}

// run 主优化循环，每个周期依次评估全部组合
func (o *Optimizer) run(ctx context.Context, symbol string, g grid) error {
	started := time.Now()
	combosPerTF := g.combosPerTF()
	totalCombos := g.totalCombos()
	comboIdx := 0

	bestPerTF := make(map[string]*BacktestResult)

	for _, tf := range g.timeframes {
		if err := ctx.Err(); err != nil {
			return err
		}

		o.updateProgress(func(p *Progress) {
			p.CurrentTF = tf
		})

		candles, err := o.repo.GetBars(ctx, symbol, tf, 0)
		if err != nil {
			return fmt.Errorf("load bars for %s: %w", tf, err)
		}
		if len(candles) < minBacktestBars {
			logger.Info("⏭️ 优化跳过 %s: 仅 %d 根K线", tf, len(candles))
			comboIdx += combosPerTF
			o.updateProgress(func(p *Progress) {
				p.CurrentCombo = comboIdx
			})
			continue
		}

		var best *BacktestResult

		for _, sensitivity := range g.sensitivities {
			for _, mode := range g.modes {
				for _, confBars := range g.confBars {
					for _, atrLen := range g.atrLengths {
						for _, avgLen := range g.avgLengths {
							for _, absRev := range g.absReversals {
								if err := ctx.Err(); err != nil {
									return err
								}

								comboIdx++
								result := runBacktest(candles, tf, paramCombo{
									Sensitivity:      sensitivity,
									Mode:             mode,
									ConfirmationBars: confBars,
									ATRLength:        atrLen,
									AverageLength:    avgLen,
									AbsoluteReversal: absRev,
								})
								o.metrics.RecordOptimizerCombo(symbol, tf)

								if best == nil || result.Score > best.Score {
									best = result
								}

								elapsed := round1(time.Since(started).Seconds())
								o.updateProgress(func(p *Progress) {
									p.CurrentCombo = comboIdx
									p.ElapsedSeconds = elapsed
								})

								if comboIdx%50 == 0 {
									logger.Debug("🧪 优化 %s 进度 %d/%d, 当前最优 %.2f",
										tf, comboIdx, totalCombos, best.Score)
								}
							}
						}
					}
				}
			}
		}

		if best != nil && best.TotalTrades > 0 {
			bestPerTF[tf] = best
			o.updateProgress(func(p *Progress) {
				p.Results[tf] = best
			})
		}
	}

	created, err := o.createOptimizedAgents(ctx, symbol, g.timeframes, bestPerTF)
	if err != nil {
		return err
	}

	o.updateProgress(func(p *Progress) {
		p.CreatedAgents = created
		p.ElapsedSeconds = round1(time.Since(started).Seconds())
	})
	return nil
}

// createOptimizedAgents 按每个周期的最优结果创建或更新未激活代理
func (o *Optimizer) createOptimizedAgents(ctx context.Context, symbol string, timeframes []string, bestPerTF map[string]*BacktestResult) ([]OptimizedAgent, error) {
	var created []OptimizedAgent

	for _, tf := range timeframes {
		best, ok := bestPerTF[tf]
		if !ok {
			continue
		}

		existing, err := o.repo.FindOptimizedAgent(ctx, symbol, tf)
		if err != nil {
			return nil, fmt.Errorf("find optimized agent for %s: %w", tf, err)
		}

		summary := OptimizedAgent{
			Timeframe:        tf,
			Sensitivity:      best.Sensitivity,
			SignalMode:       best.SignalMode,
			ConfirmationBars: best.ConfirmationBars,
			ATRLength:        best.ATRLength,
			AverageLength:    best.AverageLength,
			AbsoluteReversal: best.AbsoluteReversal,
			Score:            best.Score,
			WinRate:          best.WinRate,
			ProfitFactor:     best.ProfitFactor,
			TotalTrades:      best.TotalTrades,
		}

		if existing != nil {
			existing.Sensitivity = best.Sensitivity
			existing.SignalMode = best.SignalMode
			existing.ConfirmationBars = best.ConfirmationBars
			existing.ATRLength = best.ATRLength
			existing.AverageLength = best.AverageLength
			existing.AbsoluteReversal = best.AbsoluteReversal
			existing.IsActive = false
			if err := o.repo.SaveAgent(ctx, existing); err != nil {
				return nil, fmt.Errorf("update optimized agent %s: %w", existing.Name, err)
			}

			summary.Action = "updated"
			summary.AgentID = existing.ID
			summary.Name = existing.Name
			logger.Info("🔄 优化更新代理 %s: %s / %s (评分 %.2f)",
				existing.Name, best.Sensitivity, best.SignalMode, best.Score)
		} else {
			count, err := o.repo.CountOptimizedAgents(ctx)
			if err != nil {
				return nil, fmt.Errorf("count optimized agents: %w", err)
			}

			agent := &storage.Agent{
				Name:             fmt.Sprintf("opti_%s_%d", tf, count+1),
				Symbol:           symbol,
				Timeframe:        tf,
				TradeAmount:      100,
				Balance:          100,
				IsActive:         false,
				Mode:             "paper",
				Sensitivity:      best.Sensitivity,
				SignalMode:       best.SignalMode,
				AnalysisLimit:    500,
				ConfirmationBars: best.ConfirmationBars,
				Method:           string(signal.MethodAverage),
				ATRLength:        best.ATRLength,
				AverageLength:    best.AverageLength,
				AbsoluteReversal: best.AbsoluteReversal,
			}
			if err := o.repo.CreateAgent(ctx, agent); err != nil {
				return nil, fmt.Errorf("create optimized agent %s: %w", agent.Name, err)
			}

			summary.Action = "created"
			summary.AgentID = agent.ID
			summary.Name = agent.Name
			logger.Info("✅ 优化创建代理 %s: %s / %s (评分 %.2f, 胜率 %.1f%%, PF %.2f)",
				agent.Name, best.Sensitivity, best.SignalMode,
				best.Score, best.WinRate, best.ProfitFactor)
		}

		created = append(created, summary)
	}

	return created, nil
}

func (o *Optimizer) updateProgress(fn func(p *Progress)) {
	o.mu.Lock()
	fn(&o.progress)
	o.mu.Unlock()
}

func (o *Optimizer) publish(eventType event.EventType, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(&event.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}
