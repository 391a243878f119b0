package app

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"confluence-trader/internal/broker"
	rediscache "confluence-trader/internal/cache/redis"
	"confluence-trader/internal/config"
	"confluence-trader/internal/engine"
	"confluence-trader/internal/exchange"
	"confluence-trader/internal/execution"
	"confluence-trader/internal/metrics"
	"confluence-trader/internal/monitor"
	"confluence-trader/internal/position"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/session"
	"confluence-trader/internal/signal"
	"confluence-trader/internal/store"
	"confluence-trader/internal/symbol"
)

// venue 为某一券商接入同时提供的下单与K线能力。
type venue interface {
	broker.Gateway
	broker.CandleSource
}

// orchestrator 持有一次运行所需的全部组件。
type orchestrator struct {
	engine   *engine.Engine
	machine  *position.Machine
	monitor  *monitor.Service
	metrics  *metrics.Metrics
	daily    *risk.DailyTracker

	redis     *rediscache.Client
	lock      *rediscache.InstanceLock
	publisher *rediscache.StatePublisher

	logger *zap.Logger
}

func newOrchestrator(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v, err := newVenue(cfg, logger)
	if err != nil {
		return nil, err
	}

	var gateway broker.Gateway = v
	if cfg.Broker.DryRun {
		logger.Info("处于模拟下单模式，报价与K线仍来自真实接口")
		gateway = broker.NewPaperGateway(v, logger.Named("paper"))
	}

	calendar, err := session.NewCalendar(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("初始化交易时段失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(ctx, st, logger.Named("monitor"))
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	daily, err := risk.NewDailyTracker(st.DB(), cfg.Risk, calendar.Location(), logger.Named("risk"))
	if err != nil {
		return nil, fmt.Errorf("初始化当日风控失败: %w", err)
	}

	m := metrics.New()
	machine := position.NewMachine(gateway, risk.NewRule(cfg.Risk), cfg.Risk.MaxExitAttempts, logger.Named("position"))

	deps := engine.Deps{
		Machine:   machine,
		Calendar:  calendar,
		Prices:    gateway,
		Candles:   v,
		Evaluator: signal.NewEvaluator(cfg.Signal, logger.Named("signal")),
		Planner:   execution.NewPlanner(cfg.Strategy, cfg.Instrument.StrikeStep),
		Daily:     daily,
		Journal:   monitorSvc,
		Metrics:   m,
	}
	if cfg.Instrument.Symbol == "" {
		deps.Resolver = symbol.NewResolver(v, cfg.Broker.Exchange, cfg.Instrument.Exclude, logger.Named("symbol"))
	}

	eng, err := engine.New(cfg, deps, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("初始化交易引擎失败: %w", err)
	}

	o := &orchestrator{
		engine:   eng,
		machine:  machine,
		monitor:  monitorSvc,
		metrics:  m,
		daily:    daily,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := rediscache.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("初始化 Redis 失败: %w", err)
		}
		o.redis = client
		o.lock = rediscache.NewInstanceLock(client, cfg.Instrument.Root, cfg.Redis.LockTTL, logger.Named("lock"))
		o.publisher = rediscache.NewStatePublisher(client, cfg.Instrument.Root, logger.Named("state"))
		machine.Subscribe(o.publisher.Observe)
	}

	return o, nil
}

func newVenue(cfg *config.Config, logger *zap.Logger) (venue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Broker.Kind {
	case config.BrokerCCXT:
		client, err := exchange.NewClient(cfg.CCXT, cfg.Strategy.Interval, logger.Named("ccxt"))
		if err != nil {
			return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
		}
		return client, nil
	case config.BrokerOpenAlgo, "":
		return broker.NewOpenAlgoClient(cfg.Broker, cfg.Strategy.Interval, logger.Named("openalgo")), nil
	default:
		return nil, fmt.Errorf("不支持的券商类型 %q", cfg.Broker.Kind)
	}
}

func (o *orchestrator) close() error {
	var err error
	if o.lock != nil {
		o.lock.Release()
	}
	if o.redis != nil {
		err = multierr.Append(err, o.redis.Close())
	}
	return err
}
