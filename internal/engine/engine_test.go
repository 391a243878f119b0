package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/config"
	"confluence-trader/internal/execution"
	"confluence-trader/internal/position"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/session"
	"confluence-trader/internal/signal"
	"confluence-trader/internal/symbol"
)

const testFuture = "NIFTY30DEC25FUT"

var ist = mustLocation("Asia/Kolkata")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func at(hour, minute int) time.Time {
	return time.Date(2025, time.December, 15, hour, minute, 0, 0, ist)
}

type fakeGateway struct {
	mu     sync.Mutex
	price  float64
	priceE error
	failFn func(req broker.OrderRequest) error
	orders []broker.OrderRequest
	quotes int
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, req)
	if g.failFn != nil {
		if err := g.failFn(req); err != nil {
			return broker.OrderResult{}, err
		}
	}
	return broker.OrderResult{OrderID: "oid"}, nil
}

func (g *fakeGateway) LastPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes++
	return g.price, g.priceE
}

func (g *fakeGateway) SearchInstruments(ctx context.Context, query, exchange string) ([]broker.Instrument, error) {
	return nil, nil
}

func (g *fakeGateway) orderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}

type fakeCandles struct {
	calls int
	err   error
}

func (c *fakeCandles) FetchCandles(ctx context.Context, symbol string, start, end time.Time) ([]broker.Candle, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []broker.Candle{{Timestamp: end.Add(-time.Minute), Close: 100}}, nil
}

type fakeEvaluator struct {
	sig   signal.Signal
	calls int
}

func (f *fakeEvaluator) Evaluate(symbol string, candles []broker.Candle) signal.Signal {
	f.calls++
	return f.sig
}

type fakeResolver struct {
	symbol string
	err    error
	calls  int
}

func (r *fakeResolver) ResolveFuture(ctx context.Context, root string, year int, month time.Month) (string, error) {
	r.calls++
	return r.symbol, r.err
}

type fakeDaily struct {
	halted bool
	points []float64
}

func (d *fakeDaily) Status(ctx context.Context, ts time.Time) (risk.DailyStatus, error) {
	return risk.DailyStatus{Halted: d.halted}, nil
}

func (d *fakeDaily) RecordTrade(ctx context.Context, ts time.Time, points float64) (risk.DailyStatus, error) {
	d.points = append(d.points, points)
	return risk.DailyStatus{Trades: len(d.points)}, nil
}

type fakeJournal struct {
	signals []signal.Direction
	events  []position.EventKind
	errors  []string
}

func (j *fakeJournal) RecordSignal(ctx context.Context, symbol string, sig signal.Signal, candles int) {
	j.signals = append(j.signals, sig.Direction)
}

func (j *fakeJournal) RecordPositionEvent(ctx context.Context, ev position.Event) {
	j.events = append(j.events, ev.Kind)
}

func (j *fakeJournal) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	j.errors = append(j.errors, msg)
}

type fixture struct {
	engine    *Engine
	gateway   *fakeGateway
	candles   *fakeCandles
	evaluator *fakeEvaluator
	resolver  *fakeResolver
	daily     *fakeDaily
	journal   *fakeJournal
	machine   *position.Machine
}

func newFixture(t *testing.T, mode, fixedSymbol string, sig signal.Signal) *fixture {
	t.Helper()

	cfg := config.Defaults()
	cfg.Strategy.Mode = mode
	cfg.Instrument.Symbol = fixedSymbol

	cal, err := session.NewCalendar(cfg.Session)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}

	f := &fixture{
		gateway:   &fakeGateway{price: 100},
		candles:   &fakeCandles{},
		evaluator: &fakeEvaluator{sig: sig},
		resolver:  &fakeResolver{symbol: testFuture},
		daily:     &fakeDaily{},
		journal:   &fakeJournal{},
	}
	f.machine = position.NewMachine(f.gateway, risk.NewRule(cfg.Risk), 3, nil)

	deps := Deps{
		Machine:   f.machine,
		Calendar:  cal,
		Prices:    f.gateway,
		Candles:   f.candles,
		Evaluator: f.evaluator,
		Planner:   execution.NewPlanner(cfg.Strategy, cfg.Instrument.StrikeStep),
		Daily:     f.daily,
		Journal:   f.journal,
	}
	if fixedSymbol == "" {
		deps.Resolver = f.resolver
	}

	f.engine, err = New(&cfg, deps, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine.now = func() time.Time { return at(10, 0) }
	return f
}

func TestEntryTick_OutsideSessionStaysFlat(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.Long, Price: 100})
	f.engine.now = func() time.Time { return at(12, 0) }

	if err := f.engine.EntryTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.machine.State(); got != position.StateFlat {
		t.Fatalf("expected FLAT, got %s", got)
	}
	if f.gateway.orderCount() != 0 {
		t.Fatalf("expected no orders outside session, got %d", f.gateway.orderCount())
	}
	if f.evaluator.calls != 0 {
		t.Fatalf("expected no evaluation outside session")
	}
}

func TestEntryTick_OpensSpreadOnLong(t *testing.T) {
	f := newFixture(t, config.ModeSpread, "", signal.Signal{Direction: signal.Long, Price: 26010})

	if err := f.engine.EntryTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := f.machine.Snapshot()
	if snap.State != position.StateOpen {
		t.Fatalf("expected OPEN, got %s", snap.State)
	}
	if snap.Underlying != testFuture {
		t.Fatalf("expected underlying %s, got %s", testFuture, snap.Underlying)
	}
	if len(f.gateway.orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(f.gateway.orders))
	}
	primary, hedge := f.gateway.orders[0], f.gateway.orders[1]
	if primary.Symbol != "NIFTY30DEC2526000CE" || primary.Side != broker.SideBuy {
		t.Fatalf("unexpected primary order %+v", primary)
	}
	if hedge.Symbol != "NIFTY30DEC2526200CE" || hedge.Side != broker.SideSell {
		t.Fatalf("unexpected hedge order %+v", hedge)
	}
	if len(f.journal.signals) != 1 || f.journal.signals[0] != signal.Long {
		t.Fatalf("expected LONG signal journaled, got %v", f.journal.signals)
	}

	// 已有仓位时不再求值。
	if err := f.engine.EntryTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.evaluator.calls != 1 {
		t.Fatalf("expected single evaluation, got %d", f.evaluator.calls)
	}
}

func TestEntryTick_NoneSignalPlacesNothing(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.None, Price: 100})

	if err := f.engine.EntryTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.gateway.orderCount() != 0 || f.machine.State() != position.StateFlat {
		t.Fatalf("expected no entry on NONE")
	}
	if f.candles.calls != 1 {
		t.Fatalf("expected candles fetched once, got %d", f.candles.calls)
	}
}

func TestEntryTick_HaltedDaySkips(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.Long, Price: 100})
	f.daily.halted = true

	if err := f.engine.EntryTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.candles.calls != 0 || f.gateway.orderCount() != 0 {
		t.Fatalf("expected halted day to skip entry")
	}
}

func TestEntryTick_ResolutionFailureStaysFlat(t *testing.T) {
	f := newFixture(t, config.ModeOption, "", signal.Signal{Direction: signal.Long, Price: 100})
	f.resolver.err = symbol.ErrSymbolResolution

	err := f.engine.EntryTick(context.Background())
	if !errors.Is(err, symbol.ErrSymbolResolution) {
		t.Fatalf("expected resolution error, got %v", err)
	}
	if f.machine.State() != position.StateFlat || f.gateway.orderCount() != 0 {
		t.Fatalf("expected FLAT without orders")
	}
}

func TestEntryTick_PrimaryFailureReturnsToFlat(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.Short, Price: 100})
	f.gateway.failFn = func(req broker.OrderRequest) error { return broker.ErrOrderRejected }

	err := f.engine.EntryTick(context.Background())
	if !errors.Is(err, broker.ErrOrderRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	snap := f.machine.Snapshot()
	if snap.State != position.StateFlat || len(snap.Legs) != 0 {
		t.Fatalf("expected FLAT with zero legs, got %+v", snap)
	}
}

func TestUnderlying_CachedPerMonth(t *testing.T) {
	f := newFixture(t, config.ModeOption, "", signal.Signal{Direction: signal.None})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.engine.underlying(ctx, at(10, i)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if f.resolver.calls != 1 {
		t.Fatalf("expected one resolution within a month, got %d", f.resolver.calls)
	}

	if _, err := f.engine.underlying(ctx, time.Date(2026, time.January, 2, 10, 0, 0, 0, ist)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.resolver.calls != 2 {
		t.Fatalf("expected re-resolution after month change, got %d", f.resolver.calls)
	}
}

func openLong(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.engine.EntryTick(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if f.machine.State() != position.StateOpen {
		t.Fatalf("expected OPEN after entry")
	}
}

func TestExitTick_FlatIsNoop(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.None})

	if err := f.engine.ExitTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.gateway.quotes != 0 {
		t.Fatalf("expected no price request while FLAT")
	}
}

func TestExitTick_StopLossClosesAndRecordsDailyPoints(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.Long, Price: 100})
	openLong(t, f)

	f.gateway.price = 79
	if err := f.engine.ExitTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.machine.State() != position.StateFlat {
		t.Fatalf("expected FLAT after stop loss, got %s", f.machine.State())
	}
	last := f.gateway.orders[len(f.gateway.orders)-1]
	if last.Side != broker.SideSell || last.Symbol != testFuture {
		t.Fatalf("expected closing SELL on %s, got %+v", testFuture, last)
	}
	if len(f.daily.points) != 1 || f.daily.points[0] != -21 {
		t.Fatalf("expected -21 points recorded, got %v", f.daily.points)
	}
}

func TestExitTick_HoldsInsideRange(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.Long, Price: 100})
	openLong(t, f)

	f.gateway.price = 105
	if err := f.engine.ExitTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.machine.State() != position.StateOpen || f.gateway.orderCount() != 1 {
		t.Fatalf("expected position to stay OPEN")
	}
}

func TestExitTick_SquareOffClosesSession(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.Long, Price: 100})
	openLong(t, f)

	f.engine.now = func() time.Time { return at(15, 20) }
	if err := f.engine.ExitTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.machine.State() != position.StateFlat {
		t.Fatalf("expected FLAT after square-off")
	}
	var sawExit bool
	for _, k := range f.journal.events {
		if k == position.EventExitTriggered {
			sawExit = true
		}
	}
	if !sawExit {
		t.Fatalf("expected exit_triggered journaled, got %v", f.journal.events)
	}
}

func TestExitTick_RetriesFailedCloseOnNextTick(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.Long, Price: 100})
	openLong(t, f)

	f.gateway.failFn = func(req broker.OrderRequest) error { return broker.ErrGatewayUnavailable }
	f.gateway.price = 160
	if err := f.engine.ExitTick(context.Background()); !errors.Is(err, broker.ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if f.machine.State() != position.StateExiting {
		t.Fatalf("expected EXITING after failed close, got %s", f.machine.State())
	}

	f.gateway.failFn = nil
	quotes := f.gateway.quotes
	if err := f.engine.ExitTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.machine.State() != position.StateFlat {
		t.Fatalf("expected FLAT after retry")
	}
	if f.gateway.quotes != quotes {
		t.Fatalf("expected no price request while EXITING")
	}
	if len(f.daily.points) != 1 || f.daily.points[0] != 60 {
		t.Fatalf("expected +60 points recorded, got %v", f.daily.points)
	}
}

func TestGuard_RecoversPanicAndJournalsError(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.None})

	f.engine.guard(context.Background(), "entry", func(context.Context) error {
		panic("boom")
	})
	f.engine.guard(context.Background(), "exit", func(context.Context) error {
		return broker.ErrGatewayUnavailable
	})

	if len(f.journal.errors) != 2 {
		t.Fatalf("expected 2 journaled errors, got %v", f.journal.errors)
	}
}

func TestRunExitLoop_StopsOnCancel(t *testing.T) {
	f := newFixture(t, config.ModeFutures, testFuture, signal.Signal{Direction: signal.None})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.engine.RunExitLoop(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exit loop did not stop")
	}
}

func TestNew_RequiresResolverWithoutFixedSymbol(t *testing.T) {
	cfg := config.Defaults()
	cal, _ := session.NewCalendar(cfg.Session)
	gw := &fakeGateway{}
	_, err := New(&cfg, Deps{
		Machine:   position.NewMachine(gw, risk.NewRule(cfg.Risk), 3, nil),
		Calendar:  cal,
		Prices:    gw,
		Candles:   &fakeCandles{},
		Evaluator: &fakeEvaluator{},
		Planner:   execution.NewPlanner(cfg.Strategy, cfg.Instrument.StrikeStep),
	}, nil)
	if err == nil {
		t.Fatal("expected error without resolver")
	}
}
