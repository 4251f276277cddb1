// Package signal 反转信号检测引擎
// 基于 ATR 自适应阈值的 ZigZag 摆动检测，
// 配合确认K线延迟实现不重绘的反转信号
package signal

// Direction ZigZag 摆动方向
type Direction int

const (
	DirectionNone Direction = 0  // 未初始化
	DirectionUp   Direction = 1  // 上行摆动
	DirectionDown Direction = -1 // 下行摆动
)

// TrendState 三重EMA趋势状态
type TrendState string

const (
	TrendBullish TrendState = "BULLISH" // 多头趋势
	TrendBearish TrendState = "BEARISH" // 空头趋势
	TrendNeutral TrendState = "NEUTRAL" // 中性
)

// SignalMode 信号确认模式
type SignalMode string

const (
	ModeConfirmedOnly    SignalMode = "Confirmed Only"      // 仅确认信号（不重绘）
	ModeConfirmedPreview SignalMode = "Confirmed + Preview" // 确认+预览
	ModePreviewOnly      SignalMode = "Preview Only"        // 仅预览（可能重绘）
)

// Sensitivity 灵敏度预设
type Sensitivity string

const (
	SensitivityVeryHigh Sensitivity = "Very High"
	SensitivityHigh     Sensitivity = "High"
	SensitivityMedium   Sensitivity = "Medium"
	SensitivityLow      Sensitivity = "Low"
	SensitivityVeryLow  Sensitivity = "Very Low"
	SensitivityCustom   Sensitivity = "Custom"
)

// Method ZigZag 价格计算方式
type Method string

const (
	MethodAverage Method = "average"  // 用 EMA 平滑后的高低价
	MethodHighLow Method = "high_low" // 用原始高低价
)

// ZoneType 供需区类型
type ZoneType string

const (
	ZoneSupply ZoneType = "SUPPLY" // 供给区（来自高点枢轴）
	ZoneDemand ZoneType = "DEMAND" // 需求区（来自低点枢轴）
)

// Pivot ZigZag 枢轴点
type Pivot struct {
	Price       float64 // 平滑价格（检测用）
	ActualPrice float64 // 原始高/低价
	BarIndex    int     // 枢轴所在K线下标
	IsHigh      bool    // true=高点枢轴
	IsPreview   bool    // true=预览枢轴（可能重绘）
}

// ReversalSignal 反转信号
type ReversalSignal struct {
	BarIndex    int     // 信号锚定的枢轴K线下标
	Price       float64 // 平滑枢轴价
	ActualPrice float64 // 原始枢轴价
	IsBullish   bool    // true=看涨反转
	IsPreview   bool    // true=预览信号
}

// TrendInfo 单根K线的趋势信息
type TrendInfo struct {
	State          TrendState
	EMAFast        float64 // EMA9
	EMAMid         float64 // EMA14
	EMASlow        float64 // EMA21
	BuySignal      bool    // 本K线触发买入条件
	SellSignal     bool    // 本K线触发卖出条件
	ChangedBullish bool    // 趋势切换为多头
	ChangedBearish bool    // 趋势切换为空头
}

// Zone 供需区
type Zone struct {
	Type        ZoneType
	CenterPrice float64 // 中心价（枢轴原始价）
	TopPrice    float64
	BottomPrice float64
	StartBar    int
	EndBar      int
}

// AnalysisResult 完整分析结果
type AnalysisResult struct {
	Signals          []ReversalSignal // 确认信号在前，预览信号在后
	Pivots           []Pivot
	Zones            []Zone
	TrendHistory     []TrendInfo
	CurrentTrend     *TrendInfo
	CurrentATR       float64
	CurrentThreshold float64
	ATRMultiplier    float64
}

// Params 检测参数
type Params struct {
	Mode             SignalMode  `json:"signal_mode" yaml:"signal_mode"`
	Sensitivity      Sensitivity `json:"sensitivity" yaml:"sensitivity"`
	Method           Method      `json:"calculation_method" yaml:"calculation_method"`
	ATRLength        int         `json:"atr_length" yaml:"atr_length"`
	AverageLength    int         `json:"average_length" yaml:"average_length"`
	ConfirmationBars int         `json:"confirmation_bars" yaml:"confirmation_bars"`
	AbsoluteReversal float64     `json:"absolute_reversal" yaml:"absolute_reversal"`
	Timeframe        string      `json:"timeframe" yaml:"timeframe"`

	// Custom 灵敏度时使用
	CustomATRMultiplier    float64 `json:"custom_atr_multiplier,omitempty" yaml:"custom_atr_multiplier,omitempty"`
	CustomPercentThreshold float64 `json:"custom_percent_threshold,omitempty" yaml:"custom_percent_threshold,omitempty"`

	// 供需区参数
	GenerateZones     bool    `json:"generate_zones" yaml:"generate_zones"`
	ZoneThicknessPct  float64 `json:"zone_thickness_pct" yaml:"zone_thickness_pct"`
	ZoneExtensionBars int     `json:"zone_extension_bars" yaml:"zone_extension_bars"`
	MaxZones          int     `json:"max_zones" yaml:"max_zones"`

	// 三重EMA周期
	EMAFast int `json:"ema_fast" yaml:"ema_fast"`
	EMAMid  int `json:"ema_mid" yaml:"ema_mid"`
	EMASlow int `json:"ema_slow" yaml:"ema_slow"`
}

// DefaultParams 默认检测参数
func DefaultParams(timeframe string) Params {
	return Params{
		Mode:              ModeConfirmedOnly,
		Sensitivity:       SensitivityMedium,
		Method:            MethodAverage,
		ATRLength:         5,
		AverageLength:     5,
		ConfirmationBars:  0,
		AbsoluteReversal:  0.05,
		Timeframe:         timeframe,
		GenerateZones:     true,
		ZoneThicknessPct:  0.02,
		ZoneExtensionBars: 20,
		MaxZones:          3,
		EMAFast:           9,
		EMAMid:            14,
		EMASlow:           21,
	}
}

// normalized 补全零值参数，避免除零和空周期
func (p Params) normalized() Params {
	if p.Mode == "" {
		p.Mode = ModeConfirmedOnly
	}
	if p.Sensitivity == "" {
		p.Sensitivity = SensitivityMedium
	}
	if p.Method == "" {
		p.Method = MethodAverage
	}
	if p.ATRLength <= 0 {
		p.ATRLength = 5
	}
	if p.AverageLength <= 0 {
		p.AverageLength = 5
	}
	if p.ConfirmationBars < 0 {
		p.ConfirmationBars = 0
	}
	if p.ZoneThicknessPct <= 0 {
		p.ZoneThicknessPct = 0.02
	}
	if p.ZoneExtensionBars <= 0 {
		p.ZoneExtensionBars = 20
	}
	if p.MaxZones <= 0 {
		p.MaxZones = 3
	}
	if p.EMAFast <= 0 {
		p.EMAFast = 9
	}
	if p.EMAMid <= 0 {
		p.EMAMid = 14
	}
	if p.EMASlow <= 0 {
		p.EMASlow = 21
	}
	return p
}
