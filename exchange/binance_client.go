package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"reversalpro/indicators"
	"reversalpro/logger"
)

// BinanceExchange 币安合约接入（K线 + 市价单）
type BinanceExchange struct {
	client   *futures.Client
	limiter  *rate.Limiter
	canTrade bool
}

// NewBinanceExchange 创建币安接入
// apiKey 为空时只能读取行情，不能下单
func NewBinanceExchange(apiKey, secretKey string, useTestnet bool) *BinanceExchange {
	futures.UseTestnet = useTestnet
	client := futures.NewClient(apiKey, secretKey)

	if useTestnet {
		logger.Info("🧪 币安接入使用测试网")
	}

	return &BinanceExchange{
		client: client,
		// 币安权重限制约 2400/min，这里保守限制 10 req/s
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		canTrade: apiKey != "" && secretKey != "",
	}
}

// Name 客户端名称
func (b *BinanceExchange) Name() string {
	return "binance"
}

// GetKlines 获取最近 limit 根K线（按时间升序）
func (b *BinanceExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]indicators.Candle, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取历史K线失败: %w", err)
	}

	candles := make([]indicators.Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePrice, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)

		candles = append(candles, indicators.Candle{
			Time:   k.OpenTime,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}

	return candles, nil
}

// GetPrice 获取最新成交价
func (b *BinanceExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取最新价失败: %w", err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("未返回 %s 的价格", symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("解析价格失败: %w", err)
	}
	return price, nil
}

// PlaceMarketOrder 提交市价单
func (b *BinanceExchange) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity, price float64) (*OrderResult, error) {
	if !b.canTrade {
		return nil, fmt.Errorf("未配置 API 密钥，无法实盘下单")
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	sideType := futures.SideTypeBuy
	if side == SideSell {
		sideType = futures.SideTypeSell
	}

	order, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType).
		Type(futures.OrderTypeMarket).
		Quantity(formatQuantity(quantity)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("市价单提交失败: %w", err)
	}

	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	if avgPrice == 0 {
		avgPrice = price
	}
	executedQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	logger.Info("✅ 市价单已成交: %s %s qty=%s avg=%.8f", symbol, side, order.ExecutedQuantity, avgPrice)

	return &OrderResult{
		OrderID:     order.OrderID,
		Symbol:      symbol,
		Side:        side,
		Quantity:    quantity,
		AvgPrice:    avgPrice,
		ExecutedQty: executedQty,
		Time:        time.UnixMilli(order.UpdateTime),
	}, nil
}

// formatQuantity 数量格式化（去掉多余的尾随零）
func formatQuantity(qty float64) string {
	return strconv.FormatFloat(qty, 'f', -1, 64)
}
