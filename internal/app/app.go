package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"confluence-trader/internal/config"
	"confluence-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动监控接口、实例锁续期以及入场与离场两个循环，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.Kind),
		zap.String("mode", a.cfg.Strategy.Mode),
		zap.String("root", a.cfg.Instrument.Root),
		zap.Bool("dry_run", a.cfg.Broker.DryRun),
	)

	orch, err := newOrchestrator(ctx, a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := orch.close(); closeErr != nil {
			a.logger.Warn("释放资源失败", zap.Error(closeErr))
		}
	}()

	if orch.lock != nil {
		if err := orch.lock.Acquire(ctx); err != nil {
			return fmt.Errorf("同一标的已有实例在运行: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Monitor.Enabled {
		handler := newMonitorHandler(monitorDeps{
			events:   orch.monitor,
			snapshot: orch.engine.Snapshot,
			daily:    orch.daily,
			metrics:  orch.metrics.Handler(),
			logger:   a.logger,
		})
		g.Go(func() error {
			return serveMonitor(gctx, handler, a.cfg.Monitor.Port, a.logger)
		})
	}
	if orch.lock != nil {
		g.Go(func() error {
			return orch.lock.KeepAlive(gctx)
		})
	}
	g.Go(func() error {
		return orch.engine.RunEntryLoop(gctx)
	})
	g.Go(func() error {
		return orch.engine.RunExitLoop(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止", zap.String("state", string(orch.machine.State())))
	return nil
}
