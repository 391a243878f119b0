package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/position"
	"confluence-trader/internal/signal"
)

// EntryTick 执行一次入场判断。只在 FLAT 且处于交易时段内才会求值。
func (e *Engine) EntryTick(ctx context.Context) error {
	now := e.now()

	if state := e.machine.State(); state != position.StateFlat {
		e.logger.Debug("已有仓位，跳过入场", zap.String("state", string(state)))
		return nil
	}
	if !e.calendar.Allowed(now) {
		e.logger.Debug("不在交易时段内，跳过入场", zap.Time("now", now.In(e.calendar.Location())))
		return nil
	}
	if e.daily != nil {
		status, err := e.daily.Status(ctx, now)
		if err != nil {
			return fmt.Errorf("engine: 查询当日风控失败: %w", err)
		}
		if status.Halted {
			e.logger.Debug("当日已停止开仓", zap.Float64("realized_points", status.RealizedPoints))
			return nil
		}
	}

	future, err := e.underlying(ctx, now)
	if err != nil {
		return err
	}

	start := now.AddDate(0, 0, -e.historyDays)
	candles, err := e.candles.FetchCandles(ctx, future, start, now)
	if err != nil {
		return fmt.Errorf("engine: 获取 %s K线失败: %w", future, err)
	}

	sig := e.evaluator.Evaluate(future, candles)
	if e.journal != nil {
		e.journal.RecordSignal(ctx, future, sig, len(candles))
	}
	if e.metrics != nil {
		e.metrics.ObserveSignal(sig.Direction)
	}
	e.logger.Info("入场信号",
		zap.String("symbol", future),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("price", sig.Price),
		zap.Float64("ema", sig.Values.EMA),
		zap.Float64("rsi", sig.Values.RSI),
	)
	if sig.Direction == signal.None {
		return nil
	}

	plans, err := e.planner.Plan(future, sig)
	if err != nil {
		return fmt.Errorf("engine: 生成开仓计划失败: %w", err)
	}

	if err := e.machine.Open(ctx, sig, future, plans); err != nil {
		if errors.Is(err, position.ErrNotFlat) {
			return nil
		}
		return err
	}
	return nil
}

// underlying 返回当月主力期货，按月缓存，换月后重新解析。
func (e *Engine) underlying(ctx context.Context, now time.Time) (string, error) {
	if e.fixedSymbol != "" {
		return e.fixedSymbol, nil
	}

	local := now.In(e.calendar.Location())
	month := local.Format("2006-01")

	e.mu.Lock()
	if e.future != "" && e.futureMonth == month {
		future := e.future
		e.mu.Unlock()
		return future, nil
	}
	e.mu.Unlock()

	future, err := e.resolver.ResolveFuture(ctx, e.root, local.Year(), local.Month())
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	prev := e.future
	e.future = future
	e.futureMonth = month
	e.mu.Unlock()

	if prev != future {
		e.logger.Info("已解析期货合约", zap.String("symbol", future), zap.String("previous", prev))
	}
	return future, nil
}
