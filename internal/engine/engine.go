// Package engine 驱动入场循环与离场循环，二者只通过仓位状态机共享状态。
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/config"
	"confluence-trader/internal/position"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/session"
	"confluence-trader/internal/signal"
)

type futureResolver interface {
	ResolveFuture(ctx context.Context, root string, year int, month time.Month) (string, error)
}

type priceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

type signalSource interface {
	Evaluate(symbol string, candles []broker.Candle) signal.Signal
}

type legPlanner interface {
	Plan(future string, sig signal.Signal) ([]position.LegPlan, error)
}

type dailyGuard interface {
	Status(ctx context.Context, ts time.Time) (risk.DailyStatus, error)
	RecordTrade(ctx context.Context, ts time.Time, points float64) (risk.DailyStatus, error)
}

type journal interface {
	RecordSignal(ctx context.Context, symbol string, sig signal.Signal, candles int)
	RecordPositionEvent(ctx context.Context, ev position.Event)
	RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{})
}

type observer interface {
	ObserveSignal(d signal.Direction)
	ObservePrice(price float64)
	ObserveLoopError(loop string)
	ObservePositionEvent(ev position.Event)
}

// Deps 为引擎的协作者，Daily、Journal 与 Metrics 可为空。
type Deps struct {
	Machine   *position.Machine
	Calendar  *session.Calendar
	Resolver  futureResolver
	Prices    priceSource
	Candles   broker.CandleSource
	Evaluator signalSource
	Planner   legPlanner
	Daily     dailyGuard
	Journal   journal
	Metrics   observer
}

// Engine 调度入场与离场。
type Engine struct {
	machine   *position.Machine
	calendar  *session.Calendar
	resolver  futureResolver
	prices    priceSource
	candles   broker.CandleSource
	evaluator signalSource
	planner   legPlanner
	daily     dailyGuard
	journal   journal
	metrics   observer

	root         string
	fixedSymbol  string
	historyDays  int
	entryOffset  time.Duration
	exitInterval time.Duration

	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	future      string
	futureMonth string
}

// New 创建引擎并订阅状态机事件。
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: 配置不能为空")
	}
	if deps.Machine == nil || deps.Calendar == nil || deps.Prices == nil || deps.Candles == nil ||
		deps.Evaluator == nil || deps.Planner == nil {
		return nil, errors.New("engine: 缺少必要依赖")
	}
	if deps.Resolver == nil && cfg.Instrument.Symbol == "" {
		return nil, errors.New("engine: 未配置 instrument.symbol 时必须提供合约解析器")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		machine:      deps.Machine,
		calendar:     deps.Calendar,
		resolver:     deps.Resolver,
		prices:       deps.Prices,
		candles:      deps.Candles,
		evaluator:    deps.Evaluator,
		planner:      deps.Planner,
		daily:        deps.Daily,
		journal:      deps.Journal,
		metrics:      deps.Metrics,
		root:         cfg.Instrument.Root,
		fixedSymbol:  cfg.Instrument.Symbol,
		historyDays:  cfg.Strategy.HistoryDays,
		entryOffset:  cfg.Scheduler.EntryOffset,
		exitInterval: cfg.Scheduler.ExitInterval,
		logger:       logger,
		now:          time.Now,
	}
	if e.historyDays <= 0 {
		e.historyDays = 5
	}
	if e.exitInterval <= 0 {
		e.exitInterval = 5 * time.Second
	}

	e.machine.Subscribe(e.onPositionEvent)
	return e, nil
}

// Snapshot 返回当前仓位快照。
func (e *Engine) Snapshot() position.Position {
	return e.machine.Snapshot()
}

func (e *Engine) onPositionEvent(ev position.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if e.journal != nil {
		e.journal.RecordPositionEvent(ctx, ev)
	}
	if e.metrics != nil {
		e.metrics.ObservePositionEvent(ev)
	}
	if ev.Kind != position.EventClosed || e.daily == nil {
		return
	}

	pos := ev.Position
	points := risk.PointsFor(pos.Direction, pos.Levels.ReferencePrice, ev.Price)
	status, err := e.daily.RecordTrade(ctx, ev.At, points)
	if err != nil {
		e.logger.Warn("记录当日交易失败", zap.String("trade_id", pos.TradeID), zap.Error(err))
		return
	}
	e.logger.Info("交易结束",
		zap.String("trade_id", pos.TradeID),
		zap.String("reason", string(ev.Reason)),
		zap.Float64("points", points),
		zap.Float64("daily_points", status.RealizedPoints),
		zap.Int("daily_trades", status.Trades),
	)
}

func (e *Engine) recordError(ctx context.Context, loop, msg string, err error, fields map[string]interface{}) {
	e.logger.Warn(msg, zap.String("loop", loop), zap.Error(err))
	if e.metrics != nil {
		e.metrics.ObserveLoopError(loop)
	}
	if e.journal != nil {
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["loop"] = loop
		e.journal.RecordError(ctx, msg, err, fields)
	}
}
