package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/backtest"
	"confluence-trader/internal/broker"
	"confluence-trader/internal/config"
	"confluence-trader/internal/exchange"
	"confluence-trader/internal/log"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/session"
	sig "confluence-trader/internal/signal"
	"confluence-trader/internal/symbol"
)

func main() {
	var (
		configPath string
		days       int
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.IntVar(&days, "days", 5, "回放最近多少天的K线")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.Instrument.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, days, logger); err != nil {
		logger.Error("回测失败", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, days int, logger *zap.Logger) error {
	calendar, err := session.NewCalendar(cfg.Session)
	if err != nil {
		return err
	}

	var (
		source   broker.CandleSource
		searcher interface {
			SearchInstruments(ctx context.Context, query, exchange string) ([]broker.Instrument, error)
		}
	)
	switch cfg.Broker.Kind {
	case config.BrokerCCXT:
		client, err := exchange.NewClient(cfg.CCXT, cfg.Strategy.Interval, logger.Named("ccxt"))
		if err != nil {
			return err
		}
		source, searcher = client, client
	default:
		client := broker.NewOpenAlgoClient(cfg.Broker, cfg.Strategy.Interval, logger.Named("openalgo"))
		source, searcher = client, client
	}

	end := time.Now()
	target := cfg.Instrument.Symbol
	if target == "" {
		local := end.In(calendar.Location())
		resolver := symbol.NewResolver(searcher, cfg.Broker.Exchange, cfg.Instrument.Exclude, logger.Named("symbol"))
		if target, err = resolver.ResolveFuture(ctx, cfg.Instrument.Root, local.Year(), local.Month()); err != nil {
			return err
		}
	}

	evaluator := sig.NewEvaluator(cfg.Signal, logger.Named("signal"))
	eng, err := backtest.NewEngine(backtest.Config{
		Symbol:    target,
		StartTime: end.AddDate(0, 0, -days),
		EndTime:   end,
		Warmup:    evaluator.MinCandles(),
	}, source, evaluator, risk.NewRule(cfg.Risk), calendar, logger.Named("backtest"))
	if err != nil {
		return err
	}

	res, err := eng.Run(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
