// Package backtest 用历史K线回放共振信号与移动止损规则。
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/session"
	"confluence-trader/internal/signal"
)

type signalSource interface {
	Evaluate(symbol string, candles []broker.Candle) signal.Signal
}

// Result 汇总回测结果。
type Result struct {
	Metrics     Metrics   `json:"metrics"`
	Trades      []Trade   `json:"trades"`
	EquityCurve []float64 `json:"equity_curve"`
	Candles     int       `json:"candles"`
}

// Engine 串联K线源、信号、风控规则与模拟执行。
type Engine struct {
	cfg       Config
	source    broker.CandleSource
	evaluator signalSource
	rule      risk.Rule
	calendar  *session.Calendar
	logger    *zap.Logger
}

// NewEngine 构建回测引擎。
func NewEngine(cfg Config, source broker.CandleSource, evaluator signalSource, rule risk.Rule, calendar *session.Calendar, logger *zap.Logger) (*Engine, error) {
	if source == nil {
		return nil, errors.New("backtest: K线源不能为空")
	}
	if evaluator == nil {
		return nil, errors.New("backtest: 信号评估器不能为空")
	}
	if calendar == nil {
		return nil, errors.New("backtest: 交易时段不能为空")
	}
	if cfg.Symbol == "" {
		return nil, errors.New("backtest: 标的不能为空")
	}
	if !cfg.EndTime.After(cfg.StartTime) {
		return nil, errors.New("backtest: 结束时间必须晚于开始时间")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cfg:       cfg.normalize(),
		source:    source,
		evaluator: evaluator,
		rule:      rule,
		calendar:  calendar,
		logger:    logger,
	}, nil
}

// Run 拉取区间K线并逐根回放。
func (e *Engine) Run(ctx context.Context) (Result, error) {
	candles, err := e.source.FetchCandles(ctx, e.cfg.Symbol, e.cfg.StartTime, e.cfg.EndTime)
	if err != nil {
		return Result{}, fmt.Errorf("backtest: 获取K线失败: %w", err)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp.Before(candles[j].Timestamp) })
	return e.Replay(ctx, candles)
}

// Replay 对已排序的K线回放。每根K线先推进持仓，平仓后的同一根K线不再开仓。
func (e *Engine) Replay(ctx context.Context, candles []broker.Candle) (Result, error) {
	sim := NewSimulator(e.rule)

	for i, c := range candles {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		if !sim.Flat() {
			if trade, closed := sim.Advance(c.Close, c.Timestamp, e.calendar.PastSquareOff(c.Timestamp)); closed {
				e.logger.Debug("回放平仓",
					zap.Time("ts", trade.ExitTime),
					zap.String("reason", string(trade.Reason)),
					zap.Float64("points", trade.Points),
				)
			}
			continue
		}

		if i+1 < e.cfg.Warmup || !e.calendar.Allowed(c.Timestamp) {
			continue
		}

		sig := e.evaluator.Evaluate(e.cfg.Symbol, candles[:i+1])
		if sig.Direction == signal.None {
			continue
		}
		sim.Open(sig.Direction, c.Close, c.Timestamp)
	}

	if n := len(candles); n > 0 {
		sim.Finish(candles[n-1].Close, candles[n-1].Timestamp)
	}

	trades := sim.Trades()
	equity := sim.EquityCurve()
	res := Result{
		Metrics:     calculateMetrics(equity, trades),
		Trades:      trades,
		EquityCurve: equity,
		Candles:     len(candles),
	}
	e.logger.Info("回测完成",
		zap.String("symbol", e.cfg.Symbol),
		zap.Int("candles", res.Candles),
		zap.Int("trades", res.Metrics.Trades),
		zap.Float64("total_points", res.Metrics.TotalPoints),
		zap.Float64("max_drawdown", res.Metrics.MaxDrawdown),
	)
	return res, nil
}
