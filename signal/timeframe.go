package signal

// timeframeMinutes K线周期对应的分钟数
var timeframeMinutes = map[string]int{
	"1m":  1,
	"3m":  3,
	"5m":  5,
	"15m": 15,
	"30m": 30,
	"1h":  60,
	"2h":  120,
	"4h":  240,
	"6h":  360,
	"8h":  480,
	"12h": 720,
	"1d":  1440,
	"3d":  4320,
	"1w":  10080,
	"1M":  43200,
}

// TimeframeMinutes 返回周期的分钟数，未知周期返回 0
func TimeframeMinutes(timeframe string) int {
	return timeframeMinutes[timeframe]
}

// IsValidTimeframe 判断周期是否受支持
func IsValidTimeframe(timeframe string) bool {
	_, ok := timeframeMinutes[timeframe]
	return ok
}
