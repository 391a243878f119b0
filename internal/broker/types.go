package broker

import (
	"context"
	"time"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回反向方向，平仓时使用。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderRequest 为单腿市价单请求。
type OrderRequest struct {
	Symbol   string
	Side     Side
	Quantity int
}

// OrderResult 为下单成功后的回执。
type OrderResult struct {
	OrderID string
}

// Instrument 为合约搜索结果。
type Instrument struct {
	Symbol       string
	Name         string
	Exchange     string
	Expiry       string
	Strike       float64
	LotSize      int
	InstrumentType string
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Gateway 为同步下单网关，本层从不重试。
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
	SearchInstruments(ctx context.Context, query, exchange string) ([]Instrument, error)
}

// CandleSource 返回按时间升序排列的K线，可能为空。
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error)
}
