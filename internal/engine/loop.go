package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/session"
)

// RunEntryLoop 在每分钟切换后 entryOffset 触发入场判断，直到 ctx 结束。
func (e *Engine) RunEntryLoop(ctx context.Context) error {
	e.logger.Info("入场循环已启动", zap.Duration("offset", e.entryOffset))
	for {
		wait := session.NextMinute(e.now(), e.entryOffset).Sub(e.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("入场循环已停止")
			return nil
		case <-timer.C:
		}
		e.guard(ctx, "entry", e.EntryTick)
	}
}

// RunExitLoop 按固定周期执行离场检查，直到 ctx 结束。
func (e *Engine) RunExitLoop(ctx context.Context) error {
	e.logger.Info("离场循环已启动", zap.Duration("interval", e.exitInterval))
	ticker := time.NewTicker(e.exitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("离场循环已停止")
			return nil
		case <-ticker.C:
			e.guard(ctx, "exit", e.ExitTick)
		}
	}
}

// guard 吞掉单轮的错误与 panic，保证循环继续。
func (e *Engine) guard(ctx context.Context, loop string, tick func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			e.recordError(ctx, loop, "循环发生 panic", fmt.Errorf("panic: %v", r), nil)
		}
	}()
	if err := tick(ctx); err != nil && ctx.Err() == nil {
		e.recordError(ctx, loop, "循环执行失败", err, nil)
	}
}
