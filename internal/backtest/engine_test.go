package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/config"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/session"
	"confluence-trader/internal/signal"
)

type countingEvaluator struct {
	longAt int
}

func (c countingEvaluator) Evaluate(symbol string, candles []broker.Candle) signal.Signal {
	if len(candles) == c.longAt {
		return signal.Signal{Direction: signal.Long, Price: candles[len(candles)-1].Close}
	}
	return signal.Signal{Direction: signal.None}
}

type sliceSource struct {
	candles []broker.Candle
}

func (s sliceSource) FetchCandles(ctx context.Context, symbol string, start, end time.Time) ([]broker.Candle, error) {
	return s.candles, nil
}

func testCalendar(t *testing.T) *session.Calendar {
	t.Helper()
	cal, err := session.NewCalendar(config.Defaults().Session)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	return cal
}

func testRule() risk.Rule {
	return risk.NewRule(config.RiskConfig{
		StopLossPoints:        20,
		TakeProfitPoints:      50,
		TrailActivationPoints: 20,
		TrailPoints:           10,
	})
}

func minuteCandles(start time.Time, closes ...float64) []broker.Candle {
	out := make([]broker.Candle, len(closes))
	for i, c := range closes {
		out[i] = broker.Candle{Timestamp: start.Add(time.Duration(i) * time.Minute), Close: c}
	}
	return out
}

func TestRun_TrailingStopTrade(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Kolkata")
	start := time.Date(2025, time.December, 15, 10, 0, 0, 0, loc)
	candles := minuteCandles(start, 100, 100, 100, 110, 120, 125, 114, 113)

	// 乱序输入，Run 负责排序。
	shuffled := append([]broker.Candle{candles[7]}, candles[:7]...)

	eng, err := NewEngine(Config{Symbol: "NIFTY30DEC25FUT", StartTime: start, EndTime: start.Add(time.Hour)},
		sliceSource{candles: shuffled}, countingEvaluator{longAt: 3}, testRule(), testCalendar(t), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	trade := res.Trades[0]
	if trade.Reason != risk.ReasonStopLoss || trade.Points != 14 {
		t.Fatalf("unexpected trade %+v", trade)
	}
	if !trade.EntryTime.Equal(candles[2].Timestamp) || !trade.ExitTime.Equal(candles[6].Timestamp) {
		t.Fatalf("unexpected trade times %v -> %v", trade.EntryTime, trade.ExitTime)
	}
	if res.Metrics.TotalPoints != 14 || res.Metrics.WinRate != 1 {
		t.Fatalf("unexpected metrics %+v", res.Metrics)
	}
}

func TestReplay_OutsideSessionNeverEnters(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Kolkata")
	start := time.Date(2025, time.December, 15, 12, 0, 0, 0, loc)

	eng, err := NewEngine(Config{Symbol: "X", StartTime: start, EndTime: start.Add(time.Hour)},
		sliceSource{}, countingEvaluator{longAt: 1}, testRule(), testCalendar(t), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	res, err := eng.Replay(context.Background(), minuteCandles(start, 100, 130, 160))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades outside session, got %d", len(res.Trades))
	}
}

func TestSimulator_SquareOffAndFinish(t *testing.T) {
	sim := NewSimulator(testRule())
	ts := time.Unix(0, 0)

	sim.Open(signal.Short, 100, ts)
	trade, closed := sim.Advance(95, ts, true)
	if !closed || trade.Reason != risk.ReasonSessionClose || trade.Points != 5 {
		t.Fatalf("unexpected square-off trade %+v closed=%v", trade, closed)
	}

	sim.Open(signal.Long, 100, ts)
	trade, closed = sim.Finish(90, ts)
	if !closed || trade.Points != -10 {
		t.Fatalf("unexpected finish trade %+v", trade)
	}
	if got := sim.EquityCurve(); len(got) != 3 || got[2] != -5 {
		t.Fatalf("unexpected equity curve %v", got)
	}
}

func TestCalculateMetrics(t *testing.T) {
	trades := []Trade{{Points: 10}, {Points: -15}, {Points: 25}}
	m := calculateMetrics([]float64{0, 10, -5, 20}, trades)

	if m.Trades != 3 || m.TotalPoints != 20 {
		t.Fatalf("unexpected totals %+v", m)
	}
	if math.Abs(m.WinRate-2.0/3.0) > 1e-9 {
		t.Fatalf("unexpected win rate %v", m.WinRate)
	}
	if m.MaxDrawdown != 15 {
		t.Fatalf("unexpected drawdown %v", m.MaxDrawdown)
	}
	if math.Abs(m.ProfitFactor-35.0/15.0) > 1e-9 {
		t.Fatalf("unexpected profit factor %v", m.ProfitFactor)
	}
	if m.SharpeRatio <= 0 {
		t.Fatalf("expected positive sharpe, got %v", m.SharpeRatio)
	}
}

func TestNewEngine_Validates(t *testing.T) {
	now := time.Now()
	if _, err := NewEngine(Config{Symbol: "X", StartTime: now, EndTime: now}, sliceSource{}, countingEvaluator{}, testRule(), testCalendar(t), nil); err == nil {
		t.Fatal("expected error for empty range")
	}
	if _, err := NewEngine(Config{StartTime: now, EndTime: now.Add(time.Hour)}, sliceSource{}, countingEvaluator{}, testRule(), testCalendar(t), nil); err == nil {
		t.Fatal("expected error for missing symbol")
	}
}
