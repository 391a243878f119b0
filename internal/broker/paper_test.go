package broker

import (
	"context"
	"strings"
	"testing"
)

type stubGateway struct {
	placed int
	price  float64
}

func (s *stubGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	s.placed++
	return OrderResult{OrderID: "real"}, nil
}

func (s *stubGateway) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return s.price, nil
}

func (s *stubGateway) SearchInstruments(ctx context.Context, query, exchange string) ([]Instrument, error) {
	return []Instrument{{Symbol: query}}, nil
}

func TestPaperGateway_NeverReachesUpstreamOrders(t *testing.T) {
	upstream := &stubGateway{price: 101}
	paper := NewPaperGateway(upstream, nil)

	res, err := paper.PlaceOrder(context.Background(), OrderRequest{Symbol: "NIFTY30DEC25FUT", Side: SideBuy, Quantity: 75})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if !strings.HasPrefix(res.OrderID, "paper-") {
		t.Errorf("unexpected order id %q", res.OrderID)
	}
	if upstream.placed != 0 {
		t.Errorf("upstream PlaceOrder should not be called")
	}
	if len(paper.Fills()) != 1 {
		t.Errorf("expected one recorded fill")
	}

	price, err := paper.LastPrice(context.Background(), "NIFTY30DEC25FUT")
	if err != nil || price != 101 {
		t.Errorf("expected upstream price 101, got %v (%v)", price, err)
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatalf("Opposite mismatch")
	}
}
