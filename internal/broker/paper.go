package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaperGateway 模拟成交，报价与搜索仍走真实网关。
type PaperGateway struct {
	upstream Gateway
	logger   *zap.Logger

	mu     sync.Mutex
	orders []PaperFill
}

// PaperFill 为一笔模拟成交记录。
type PaperFill struct {
	OrderID string
	Request OrderRequest
}

// NewPaperGateway 创建模拟下单网关。
func NewPaperGateway(upstream Gateway, logger *zap.Logger) *PaperGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperGateway{upstream: upstream, logger: logger}
}

// PlaceOrder 立即以成功回执返回。
func (p *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, fmt.Errorf("broker: 模拟下单: %w", err)
	}
	id := "paper-" + uuid.NewString()

	p.mu.Lock()
	p.orders = append(p.orders, PaperFill{OrderID: id, Request: req})
	p.mu.Unlock()

	p.logger.Info("[DRY RUN] 模拟成交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int("quantity", req.Quantity),
		zap.String("order_id", id),
	)
	return OrderResult{OrderID: id}, nil
}

// LastPrice 透传真实报价。
func (p *PaperGateway) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return p.upstream.LastPrice(ctx, symbol)
}

// SearchInstruments 透传真实搜索。
func (p *PaperGateway) SearchInstruments(ctx context.Context, query, exchange string) ([]Instrument, error) {
	return p.upstream.SearchInstruments(ctx, query, exchange)
}

// Fills 返回全部模拟成交副本。
func (p *PaperGateway) Fills() []PaperFill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperFill, len(p.orders))
	copy(out, p.orders)
	return out
}

var _ Gateway = (*PaperGateway)(nil)
