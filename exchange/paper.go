package exchange

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// PaperClient 模拟盘客户端，按参考价立即成交
type PaperClient struct {
	nextOrderID int64
}

// NewPaperClient 创建模拟盘客户端
func NewPaperClient() *PaperClient {
	return &PaperClient{}
}

// Name 客户端名称
func (p *PaperClient) Name() string {
	return "paper"
}

// PlaceMarketOrder 按参考价立即成交
func (p *PaperClient) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity, price float64) (*OrderResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("无效的下单数量: %f", quantity)
	}
	if price <= 0 {
		return nil, fmt.Errorf("无效的参考价: %f", price)
	}

	return &OrderResult{
		OrderID:     atomic.AddInt64(&p.nextOrderID, 1),
		Symbol:      symbol,
		Side:        side,
		Quantity:    quantity,
		AvgPrice:    price,
		ExecutedQty: quantity,
		Time:        time.Now().UTC(),
	}, nil
}
