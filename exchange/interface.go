// Package exchange 交易所接入层
// BarSource 提供K线数据，Client 提供下单能力
package exchange

import (
	"context"
	"time"

	"reversalpro/indicators"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderResult 市价单成交结果
type OrderResult struct {
	OrderID     int64
	Symbol      string
	Side        Side
	Quantity    float64
	AvgPrice    float64
	ExecutedQty float64
	Time        time.Time
}

// BarSource K线数据源
type BarSource interface {
	// GetKlines 获取最近 limit 根K线（按时间升序）
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]indicators.Candle, error)
	// GetPrice 获取最新成交价
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Client 下单客户端
type Client interface {
	// PlaceMarketOrder 市价单，price 为参考价（模拟盘按此价成交）
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity, price float64) (*OrderResult, error)
	// Name 客户端名称
	Name() string
}
