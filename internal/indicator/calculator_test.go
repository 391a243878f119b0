package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/config"
)

func testParams() config.SignalConfig {
	return config.SignalConfig{EMAPeriod: 20, RSIPeriod: 14, MACDFast: 12, MACDSlow: 26, MACDSignal: 9}
}

func flatCandles(n int, price float64) []broker.Candle {
	start := time.Date(2025, 1, 1, 9, 15, 0, 0, time.UTC)
	out := make([]broker.Candle, n)
	for i := range out {
		out[i] = broker.Candle{Timestamp: start.Add(time.Duration(i) * time.Minute), Close: price}
	}
	return out
}

func TestMinCandles_UsesSlowestIndicator(t *testing.T) {
	c := NewCalculator(testParams())
	if got := c.MinCandles(); got != 35 {
		t.Fatalf("expected 35 (macd slow+signal), got %d", got)
	}

	p := testParams()
	p.EMAPeriod = 200
	if got := NewCalculator(p).MinCandles(); got != 200 {
		t.Fatalf("expected 200, got %d", got)
	}
}

func TestCompute_InsufficientData(t *testing.T) {
	c := NewCalculator(testParams())
	_, err := c.Compute("X", flatCandles(10, 100))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestCompute_FlatSeries(t *testing.T) {
	c := NewCalculator(testParams())
	res, err := c.Compute("X", flatCandles(60, 100))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if res.Close != 100 {
		t.Errorf("expected close 100, got %v", res.Close)
	}
	if math.Abs(res.EMA-100) > 1e-9 {
		t.Errorf("expected EMA 100, got %v", res.EMA)
	}
	if math.Abs(res.MACD) > 1e-9 || math.Abs(res.MACDSignal) > 1e-9 {
		t.Errorf("expected flat MACD, got %v/%v", res.MACD, res.MACDSignal)
	}
}

func TestCompute_CachesByLastCandle(t *testing.T) {
	c := NewCalculator(testParams())
	candles := flatCandles(60, 100)
	first, err := c.Compute("X", candles)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	second, _ := c.Compute("X", candles)
	if first != second {
		t.Errorf("cached result mismatch")
	}
	if _, ok := c.cache["X"]; !ok {
		t.Errorf("expected cache entry for X")
	}
}
