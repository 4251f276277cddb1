// Package metrics Prometheus 指标收集
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 分析指标
	analysisRunTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reversalpro_analysis_run_total",
			Help: "Total number of analysis runs",
		},
		[]string{"symbol", "timeframe", "status"},
	)

	analysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reversalpro_analysis_duration_seconds",
			Help:    "Analysis run duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"symbol", "timeframe"},
	)

	// 信号指标
	signalDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reversalpro_signal_detected_total",
			Help: "Total number of reversal signals detected",
		},
		[]string{"symbol", "timeframe", "direction"},
	)

	signalSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reversalpro_signal_skipped_total",
			Help: "Total number of signals skipped by the broker",
		},
		[]string{"agent", "reason"},
	)

	currentThreshold = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reversalpro_reversal_threshold",
			Help: "Current reversal threshold in quote currency",
		},
		[]string{"symbol", "timeframe"},
	)

	currentATR = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reversalpro_atr",
			Help: "Current ATR value",
		},
		[]string{"symbol", "timeframe"},
	)

	// 持仓指标
	positionOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reversalpro_position_opened_total",
			Help: "Total number of positions opened",
		},
		[]string{"agent", "symbol", "side"},
	)

	positionClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reversalpro_position_closed_total",
			Help: "Total number of positions closed",
		},
		[]string{"agent", "symbol", "side", "reason"},
	)

	positionPnL = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reversalpro_position_unrealized_pnl",
			Help: "Unrealized PnL of the open position",
		},
		[]string{"agent", "symbol"},
	)

	realizedPnLTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reversalpro_realized_pnl_total",
			Help: "Cumulative realized PnL",
		},
		[]string{"agent", "symbol"},
	)

	// 代理指标
	agentBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reversalpro_agent_balance",
			Help: "Current agent balance in quote currency",
		},
		[]string{"agent"},
	)

	agentCycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reversalpro_agent_cycle_total",
			Help: "Total number of agent cycles executed",
		},
		[]string{"agent", "status"},
	)

	agentCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reversalpro_agent_cycle_duration_seconds",
			Help:    "Agent cycle duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"agent"},
	)

	activeAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reversalpro_active_agents",
			Help: "Number of currently active agents",
		},
	)

	// 优化器指标
	optimizerComboTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reversalpro_optimizer_combo_total",
			Help: "Total number of optimizer combinations evaluated",
		},
		[]string{"symbol", "timeframe"},
	)

	optimizerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reversalpro_optimizer_running",
			Help: "Optimizer status (0=idle, 1=running)",
		},
	)

	// 交易所指标
	apiCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reversalpro_api_call_total",
			Help: "Total number of exchange API calls",
		},
		[]string{"exchange", "endpoint", "status"},
	)

	apiCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reversalpro_api_call_duration_seconds",
			Help:    "Exchange API call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"exchange", "endpoint"},
	)

	// 周期锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reversalpro_lock_acquire_total",
			Help: "Total number of cycle lock acquisitions",
		},
		[]string{"key", "status"}, // status: success, conflict, error
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// 分析相关指标记录

// RecordAnalysisRun 记录一次分析
func (pm *PrometheusMetrics) RecordAnalysisRun(symbol, timeframe, status string, duration time.Duration) {
	analysisRunTotal.WithLabelValues(symbol, timeframe, status).Inc()
	analysisDuration.WithLabelValues(symbol, timeframe).Observe(duration.Seconds())
}

// SetThreshold 设置反转阈值
func (pm *PrometheusMetrics) SetThreshold(symbol, timeframe string, threshold float64) {
	currentThreshold.WithLabelValues(symbol, timeframe).Set(threshold)
}

// SetATR 设置当前 ATR
func (pm *PrometheusMetrics) SetATR(symbol, timeframe string, atr float64) {
	currentATR.WithLabelValues(symbol, timeframe).Set(atr)
}

// 信号相关指标记录

// RecordSignalDetected 记录检测到的信号
func (pm *PrometheusMetrics) RecordSignalDetected(symbol, timeframe, direction string) {
	signalDetectedTotal.WithLabelValues(symbol, timeframe, direction).Inc()
}

// RecordSignalSkipped 记录被跳过的信号
func (pm *PrometheusMetrics) RecordSignalSkipped(agent, reason string) {
	signalSkippedTotal.WithLabelValues(agent, reason).Inc()
}

// 持仓相关指标记录

// RecordPositionOpened 记录开仓
func (pm *PrometheusMetrics) RecordPositionOpened(agent, symbol, side string) {
	positionOpenedTotal.WithLabelValues(agent, symbol, side).Inc()
}

// RecordPositionClosed 记录平仓
func (pm *PrometheusMetrics) RecordPositionClosed(agent, symbol, side, reason string, pnl float64) {
	positionClosedTotal.WithLabelValues(agent, symbol, side, reason).Inc()
	realizedPnLTotal.WithLabelValues(agent, symbol).Add(pnl)
}

// SetUnrealizedPnL 设置未实现盈亏
func (pm *PrometheusMetrics) SetUnrealizedPnL(agent, symbol string, pnl float64) {
	positionPnL.WithLabelValues(agent, symbol).Set(pnl)
}

// 代理相关指标记录

// SetAgentBalance 设置代理余额
func (pm *PrometheusMetrics) SetAgentBalance(agent string, balance float64) {
	agentBalance.WithLabelValues(agent).Set(balance)
}

// RecordAgentCycle 记录一次代理周期
func (pm *PrometheusMetrics) RecordAgentCycle(agent, status string, duration time.Duration) {
	agentCycleTotal.WithLabelValues(agent, status).Inc()
	agentCycleDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// SetActiveAgents 设置活跃代理数量
func (pm *PrometheusMetrics) SetActiveAgents(count int) {
	activeAgents.Set(float64(count))
}

// 优化器相关指标记录

// RecordOptimizerCombo 记录已评估的参数组合
func (pm *PrometheusMetrics) RecordOptimizerCombo(symbol, timeframe string) {
	optimizerComboTotal.WithLabelValues(symbol, timeframe).Inc()
}

// SetOptimizerRunning 设置优化器运行状态
func (pm *PrometheusMetrics) SetOptimizerRunning(running bool) {
	value := 0.0
	if running {
		value = 1.0
	}
	optimizerRunning.Set(value)
}

// 交易所相关指标记录

// RecordAPICall 记录 API 调用
func (pm *PrometheusMetrics) RecordAPICall(exchange, endpoint, status string, duration time.Duration) {
	apiCallTotal.WithLabelValues(exchange, endpoint, status).Inc()
	apiCallDuration.WithLabelValues(exchange, endpoint).Observe(duration.Seconds())
}

// 周期锁相关指标记录

// RecordLockAcquire 记录锁获取结果
func (pm *PrometheusMetrics) RecordLockAcquire(key, status string) {
	lockAcquireTotal.WithLabelValues(key, status).Inc()
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
