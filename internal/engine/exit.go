package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"confluence-trader/internal/position"
	"confluence-trader/internal/risk"
)

// ExitTick 执行一次离场检查，仅在 OPEN 或 EXITING 时工作。
func (e *Engine) ExitTick(ctx context.Context) error {
	snap := e.machine.Snapshot()
	if snap.State != position.StateOpen && snap.State != position.StateExiting {
		return nil
	}

	if snap.State == position.StateOpen {
		price, err := e.prices.LastPrice(ctx, snap.Underlying)
		if err != nil {
			return fmt.Errorf("engine: 获取 %s 最新价失败: %w", snap.Underlying, err)
		}
		if e.metrics != nil {
			e.metrics.ObservePrice(price)
		}

		if e.calendar.PastSquareOff(e.now()) {
			e.machine.RequestExit(risk.ReasonSessionClose, price)
		} else if _, fired := e.machine.Evaluate(price); !fired {
			e.logger.Debug("持仓检查",
				zap.String("symbol", snap.Underlying),
				zap.Float64("price", price),
				zap.Float64("stop_loss", snap.Levels.StopLoss),
			)
			return nil
		}
	}

	return e.machine.Close(ctx)
}
