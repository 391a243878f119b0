package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/config"
)

type marketClient interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	LoadMarkets(params ...interface{}) (map[string]ccxt.MarketInterface, error)
}

// Client 将 ccxt 交易所适配为下单网关与K线源。
// 下单与报价不重试，元数据与K线按配置重试。
type Client struct {
	cfg      config.CCXTConfig
	interval string
	logger   *zap.Logger
	exchange marketClient

	marketsMu sync.Mutex
	markets   []string
}

// NewClient 按名称构造 ccxt 客户端。
func NewClient(cfg config.CCXTConfig, interval string, logger *zap.Logger) (*Client, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	if cfg.Wallet != "" {
		userConfig["walletAddress"] = cfg.Wallet
	}
	if cfg.PrivateKey != "" {
		userConfig["privateKey"] = cfg.PrivateKey
	}

	var ex marketClient
	switch strings.ToLower(cfg.Name) {
	case "binanceusdm":
		client := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			client.SetSandboxMode(true)
		}
		ex = client
	case "hyperliquid":
		client := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			client.SetSandboxMode(true)
		}
		ex = client
	default:
		return nil, fmt.Errorf("exchange: 不支持的交易所 %q", cfg.Name)
	}

	return newClient(cfg, interval, ex, logger), nil
}

func newClient(cfg config.CCXTConfig, interval string, ex marketClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval == "" {
		interval = "1m"
	}
	return &Client{
		cfg:      cfg,
		interval: interval,
		logger:   logger,
		exchange: ex,
	}
}

// PlaceOrder 提交市价单，失败按错误类型归类为不可用或拒单。
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, fmt.Errorf("exchange: 下单: %w: %v", broker.ErrGatewayUnavailable, err)
	}

	order, err := c.exchange.CreateMarketOrder(req.Symbol, strings.ToLower(string(req.Side)), float64(req.Quantity))
	if err != nil {
		return broker.OrderResult{}, fmt.Errorf("exchange: 下单 %s %s: %w", req.Side, req.Symbol, toBrokerError(err))
	}

	var id string
	if order.Id != nil {
		id = *order.Id
	}
	c.logger.Info("订单已提交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int("quantity", req.Quantity),
		zap.String("order_id", id),
	)
	return broker.OrderResult{OrderID: id}, nil
}

// LastPrice 返回最新成交价。
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("exchange: 查询报价: %w: %v", broker.ErrGatewayUnavailable, err)
	}
	ticker, err := c.exchange.FetchTicker(symbol)
	if err != nil {
		return 0, fmt.Errorf("exchange: 查询 %s 报价: %w: %v", symbol, broker.ErrGatewayUnavailable, err)
	}
	if ticker.Last == nil || *ticker.Last <= 0 {
		return 0, fmt.Errorf("exchange: %s 报价无效: %w", symbol, broker.ErrGatewayUnavailable)
	}
	return *ticker.Last, nil
}

// SearchInstruments 在已加载市场中按关键字过滤，结果按符号排序。
func (c *Client) SearchInstruments(ctx context.Context, query, exchange string) ([]broker.Instrument, error) {
	symbols, err := c.loadMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange: 搜索合约 %q: %w", query, err)
	}

	tokens := strings.Fields(strings.ToUpper(query))
	out := make([]broker.Instrument, 0)
	for _, sym := range symbols {
		upper := strings.ToUpper(sym)
		match := true
		for _, tok := range tokens {
			if !strings.Contains(upper, tok) {
				match = false
				break
			}
		}
		if match {
			out = append(out, broker.Instrument{Symbol: sym, Exchange: exchange})
		}
	}
	return out, nil
}

// FetchCandles 获取区间内的K线。
func (c *Client) FetchCandles(ctx context.Context, symbol string, start, end time.Time) ([]broker.Candle, error) {
	var raw []ccxt.OHLCV

	err := c.callWithRetry(ctx, "fetch_ohlcv_"+c.interval, func() error {
		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe(c.interval),
			ccxt.WithFetchOHLCVSince(start.UnixMilli()),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: 拉取 %s K线: %w", symbol, toBrokerError(err))
	}

	candles := make([]broker.Candle, 0, len(raw))
	for _, item := range raw {
		ts := time.UnixMilli(item.Timestamp).UTC()
		if ts.After(end) {
			continue
		}
		candles = append(candles, broker.Candle{
			Timestamp: ts,
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp.Before(candles[j].Timestamp) })
	return candles, nil
}

func (c *Client) loadMarkets(ctx context.Context) ([]string, error) {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.markets != nil {
		return c.markets, nil
	}

	var loaded map[string]ccxt.MarketInterface
	err := c.callWithRetry(ctx, "load_markets", func() error {
		markets, err := c.exchange.LoadMarkets()
		if err != nil {
			return err
		}
		loaded = markets
		return nil
	})
	if err != nil {
		return nil, toBrokerError(err)
	}

	symbols := make([]string, 0, len(loaded))
	for sym := range loaded {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	c.markets = symbols
	c.logger.Info("已完成市场元数据加载", zap.Int("markets", len(symbols)))
	return symbols, nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)
		if errors.Is(normalizedErr, ErrMaintenance) || !retry || attempt >= maxAttempts {
			c.logger.Warn("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		c.logger.Debug("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}

var (
	_ broker.Gateway      = (*Client)(nil)
	_ broker.CandleSource = (*Client)(nil)
)
