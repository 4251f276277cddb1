// Package indicators 技术指标库
// 提供反转检测所需的基础指标：移动平均、真实波幅、ATR 等
package indicators

// Candle K线数据
type Candle struct {
	Time   int64   // 时间戳（毫秒）
	Open   float64 // 开盘价
	High   float64 // 最高价
	Low    float64 // 最低价
	Close  float64 // 收盘价
	Volume float64 // 成交量
}
