// Package storage 持久化层
// 基于 GORM 管理K线、信号、供需区、代理及持仓数据
package storage

import "time"

// OHLCV K线记录，(time, symbol, timeframe) 唯一
type OHLCV struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Time      time.Time `gorm:"uniqueIndex:uk_ohlcv;not null" json:"time"`
	Symbol    string    `gorm:"uniqueIndex:uk_ohlcv;size:20;not null" json:"symbol"`
	Timeframe string    `gorm:"uniqueIndex:uk_ohlcv;size:10;not null;default:1h" json:"timeframe"`
	Open      float64   `gorm:"not null" json:"open"`
	High      float64   `gorm:"not null" json:"high"`
	Low       float64   `gorm:"not null" json:"low"`
	Close     float64   `gorm:"not null" json:"close"`
	Volume    float64   `gorm:"not null;default:0" json:"volume"`
}

// TableName 表名
func (OHLCV) TableName() string {
	return "ohlcv"
}

// IndicatorRow 逐K线指标快照，(time, symbol, timeframe) 唯一
type IndicatorRow struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Time      time.Time `gorm:"uniqueIndex:uk_indicator;not null" json:"time"`
	Symbol    string    `gorm:"uniqueIndex:uk_indicator;size:20;not null" json:"symbol"`
	Timeframe string    `gorm:"uniqueIndex:uk_indicator;size:10;not null;default:1h" json:"timeframe"`
	EMA9      float64   `gorm:"column:ema_9" json:"ema_9"`
	EMA14     float64   `gorm:"column:ema_14" json:"ema_14"`
	EMA21     float64   `gorm:"column:ema_21" json:"ema_21"`
	ATR       float64   `gorm:"column:atr" json:"atr"`
	Trend     string    `gorm:"size:10" json:"trend"`
}

// TableName 表名
func (IndicatorRow) TableName() string {
	return "indicators"
}

// Signal 反转信号
// 自然键 (time, symbol, timeframe, is_bullish)，重分析时按自然键 UPSERT，
// detected_at 保留首次检出时间
type Signal struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Time        time.Time `gorm:"uniqueIndex:uk_signal;not null" json:"time"`
	Symbol      string    `gorm:"uniqueIndex:uk_signal;size:20;not null" json:"symbol"`
	Timeframe   string    `gorm:"uniqueIndex:uk_signal;size:10;not null;default:1h" json:"timeframe"`
	IsBullish   bool      `gorm:"uniqueIndex:uk_signal;not null" json:"is_bullish"`
	BarIndex    int       `gorm:"not null" json:"bar_index"`
	Price       float64   `gorm:"not null" json:"price"`
	ActualPrice float64   `gorm:"not null" json:"actual_price"`
	IsPreview   bool      `gorm:"not null;default:false" json:"is_preview"`
	SignalLabel string    `gorm:"size:20;not null;default:REVERSAL" json:"signal_label"`
	DetectedAt  time.Time `json:"detected_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName 表名
func (Signal) TableName() string {
	return "signals"
}

// Zone 供需区记录（每次分析整表替换）
type Zone struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Time        time.Time `gorm:"not null;index" json:"time"`
	Symbol      string    `gorm:"size:20;not null;index" json:"symbol"`
	Timeframe   string    `gorm:"size:10;not null;default:1h" json:"timeframe"`
	ZoneType    string    `gorm:"size:10;not null" json:"zone_type"`
	CenterPrice float64   `gorm:"not null" json:"center_price"`
	TopPrice    float64   `gorm:"not null" json:"top_price"`
	BottomPrice float64   `gorm:"not null" json:"bottom_price"`
	StartBar    int       `gorm:"not null" json:"start_bar"`
	EndBar      int       `gorm:"not null" json:"end_bar"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName 表名
func (Zone) TableName() string {
	return "zones"
}

// AnalysisRun 分析运行摘要
type AnalysisRun struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol        string    `gorm:"size:20;not null" json:"symbol"`
	Timeframe     string    `gorm:"size:10;not null" json:"timeframe"`
	Sensitivity   string    `gorm:"size:20;not null;default:Medium" json:"sensitivity"`
	SignalMode    string    `gorm:"size:30;not null;default:Confirmed Only" json:"signal_mode"`
	ATRMultiplier float64   `gorm:"column:atr_multiplier" json:"atr_multiplier"`
	CurrentATR    float64   `gorm:"column:current_atr" json:"current_atr"`
	Threshold     float64   `json:"threshold"`
	CurrentTrend  string    `gorm:"size:10" json:"current_trend"`
	TotalSignals  int       `gorm:"default:0" json:"total_signals"`
	TotalZones    int       `gorm:"default:0" json:"total_zones"`
	BarsAnalyzed  int       `gorm:"default:0" json:"bars_analyzed"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName 表名
func (AnalysisRun) TableName() string {
	return "analysis_runs"
}

// Watchlist 监控列表，(symbol, timeframe) 唯一
type Watchlist struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol    string    `gorm:"uniqueIndex:uk_watchlist;size:20;not null" json:"symbol"`
	Timeframe string    `gorm:"uniqueIndex:uk_watchlist;size:10;not null;default:1h" json:"timeframe"`
	Exchange  string    `gorm:"size:20;not null;default:binance" json:"exchange"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	AddedAt   time.Time `json:"added_at"`
}

// TableName 表名
func (Watchlist) TableName() string {
	return "watchlist"
}

// 代理运行模式
const (
	ModePaper = "paper" // 模拟盘
	ModeLive  = "live"  // 实盘
)

// Agent 自治交易代理
type Agent struct {
	ID          uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string  `gorm:"size:50;uniqueIndex;not null" json:"name"`
	Symbol      string  `gorm:"size:20;not null" json:"symbol"`
	Timeframe   string  `gorm:"size:10;not null" json:"timeframe"`
	TradeAmount float64 `gorm:"not null;default:100" json:"trade_amount"`
	Balance     float64 `gorm:"not null;default:100" json:"balance"`
	IsActive    bool    `gorm:"not null;default:false" json:"is_active"`
	Mode        string  `gorm:"size:10;not null;default:paper" json:"mode"`

	// 分析参数
	Sensitivity      string  `gorm:"size:20;not null;default:Medium" json:"sensitivity"`
	SignalMode       string  `gorm:"size:30;not null;default:Confirmed Only" json:"signal_mode"`
	AnalysisLimit    int     `gorm:"not null;default:500" json:"analysis_limit"`
	ConfirmationBars int     `gorm:"not null;default:0" json:"confirmation_bars"`
	Method           string  `gorm:"size:20;not null;default:average" json:"method"`
	ATRLength        int     `gorm:"column:atr_length;not null;default:5" json:"atr_length"`
	AverageLength    int     `gorm:"not null;default:5" json:"average_length"`
	AbsoluteReversal float64 `gorm:"not null;default:0.5" json:"absolute_reversal"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 表名
func (Agent) TableName() string {
	return "agents"
}

// 持仓状态
const (
	PositionOpen    = "OPEN"
	PositionClosed  = "CLOSED"
	PositionStopped = "STOPPED"
)

// 持仓方向
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// AgentPosition 代理持仓
// entry_signal_time + entry_signal_is_bullish 是与信号的稳定绑定键，
// 重分析后信号 ID 可能变化，自然键不变
type AgentPosition struct {
	ID               uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	AgentID          uint64  `gorm:"not null;index" json:"agent_id"`
	Symbol           string  `gorm:"size:20;not null" json:"symbol"`
	Side             string  `gorm:"size:5;not null" json:"side"`
	EntryPrice       float64 `gorm:"not null" json:"entry_price"`
	ExitPrice        float64 `json:"exit_price"`
	StopLoss         float64 `gorm:"not null" json:"stop_loss"`
	OriginalStopLoss float64 `json:"original_stop_loss"`
	TakeProfit       float64 `json:"take_profit"`
	TP2              float64 `gorm:"column:tp2" json:"tp2"`
	Quantity         float64 `gorm:"not null" json:"quantity"`
	OriginalQuantity float64 `json:"original_quantity"`
	Invested         float64 `gorm:"column:invested" json:"invested"`
	Status           string  `gorm:"size:10;not null;default:OPEN;index" json:"status"`
	PartialClosed    bool    `gorm:"default:false" json:"partial_closed"`
	PartialPnL       float64 `gorm:"column:partial_pnl" json:"partial_pnl"`
	BestPrice        float64 `json:"best_price"`

	EntrySignalTime      *time.Time `json:"entry_signal_time"`
	EntrySignalIsBullish *bool      `json:"entry_signal_is_bullish"`

	PnL                  float64    `gorm:"column:pnl" json:"pnl"`
	PnLPercent           float64    `gorm:"column:pnl_percent" json:"pnl_percent"`
	UnrealizedPnL        float64    `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	UnrealizedPnLPercent float64    `gorm:"column:unrealized_pnl_percent" json:"unrealized_pnl_percent"`
	CurrentPrice         float64    `json:"current_price"`
	CloseReason          string     `gorm:"size:20" json:"close_reason"`
	PnLUpdatedAt         *time.Time `gorm:"column:pnl_updated_at" json:"pnl_updated_at"`
	OpenedAt             time.Time  `json:"opened_at"`
	ClosedAt             *time.Time `json:"closed_at"`
}

// TableName 表名
func (AgentPosition) TableName() string {
	return "agent_positions"
}

// AgentLog 代理行为日志，details 为 JSON 文本
type AgentLog struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	AgentID   uint64    `gorm:"not null;index" json:"agent_id"`
	Action    string    `gorm:"size:50;not null" json:"action"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 表名
func (AgentLog) TableName() string {
	return "agent_logs"
}

// SystemLog 应用日志（由 logger 异步写入）
type SystemLog struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Level     string    `gorm:"size:10;not null;index" json:"level"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName 表名
func (SystemLog) TableName() string {
	return "system_logs"
}
