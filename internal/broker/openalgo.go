package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/config"
)

const (
	statusSuccess = "success"
	dateLayout    = "2006-01-02"
)

// OpenAlgoClient 通过 OpenAlgo REST 接口访问券商。
type OpenAlgoClient struct {
	baseURL    string
	apiKey     string
	exchange   string
	product    string
	priceType  string
	strategy   string
	interval   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOpenAlgoClient 创建 OpenAlgo 客户端，超时即视为下单失败。
func NewOpenAlgoClient(cfg config.BrokerConfig, interval string, logger *zap.Logger) *OpenAlgoClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if interval == "" {
		interval = "1m"
	}
	return &OpenAlgoClient{
		baseURL:    strings.TrimRight(cfg.Host, "/"),
		apiKey:     cfg.APIKey,
		exchange:   cfg.Exchange,
		product:    cfg.Product,
		priceType:  cfg.PriceType,
		strategy:   cfg.Strategy,
		interval:   interval,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type placeOrderRequest struct {
	APIKey    string `json:"apikey"`
	Strategy  string `json:"strategy,omitempty"`
	Symbol    string `json:"symbol"`
	Action    string `json:"action"`
	Exchange  string `json:"exchange"`
	PriceType string `json:"pricetype"`
	Product   string `json:"product"`
	Quantity  string `json:"quantity"`
}

type apiEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	OrderID flexString      `json:"orderid"`
	Data    json.RawMessage `json:"data"`
}

// PlaceOrder 提交市价单，不做任何重试。
func (c *OpenAlgoClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	payload := placeOrderRequest{
		APIKey:    c.apiKey,
		Strategy:  c.strategy,
		Symbol:    req.Symbol,
		Action:    string(req.Side),
		Exchange:  c.exchange,
		PriceType: c.priceType,
		Product:   c.product,
		Quantity:  strconv.Itoa(req.Quantity),
	}

	env, err := c.post(ctx, "/api/v1/placeorder", payload)
	if err != nil {
		return OrderResult{}, fmt.Errorf("broker: 下单 %s %s: %w", req.Side, req.Symbol, err)
	}
	if env.Status != statusSuccess {
		return OrderResult{}, fmt.Errorf("broker: 下单 %s %s: %w: %s", req.Side, req.Symbol, ErrOrderRejected, env.Message)
	}

	c.logger.Info("订单已提交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int("quantity", req.Quantity),
		zap.String("order_id", string(env.OrderID)),
	)
	return OrderResult{OrderID: string(env.OrderID)}, nil
}

type symbolRequest struct {
	APIKey   string `json:"apikey"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

type quoteData struct {
	LTP flexFloat `json:"ltp"`
}

// LastPrice 返回最新成交价，无效价格视为不可用。
func (c *OpenAlgoClient) LastPrice(ctx context.Context, symbol string) (float64, error) {
	env, err := c.post(ctx, "/api/v1/quotes", symbolRequest{APIKey: c.apiKey, Symbol: symbol, Exchange: c.exchange})
	if err != nil {
		return 0, fmt.Errorf("broker: 查询 %s 报价: %w", symbol, err)
	}
	if env.Status != statusSuccess {
		return 0, fmt.Errorf("broker: 查询 %s 报价: %w: %s", symbol, ErrGatewayUnavailable, env.Message)
	}

	var data quoteData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, fmt.Errorf("broker: 解析 %s 报价: %w: %v", symbol, ErrGatewayUnavailable, err)
	}
	if data.LTP <= 0 {
		return 0, fmt.Errorf("broker: %s 报价无效: %w", symbol, ErrGatewayUnavailable)
	}
	return float64(data.LTP), nil
}

type searchRequest struct {
	APIKey   string `json:"apikey"`
	Query    string `json:"query"`
	Exchange string `json:"exchange"`
}

type apiInstrument struct {
	Symbol         string    `json:"symbol"`
	Name           string    `json:"name"`
	Exchange       string    `json:"exchange"`
	Expiry         string    `json:"expiry"`
	Strike         flexFloat `json:"strike"`
	LotSize        flexFloat `json:"lotsize"`
	InstrumentType string    `json:"instrumenttype"`
}

// SearchInstruments 按券商返回的顺序给出搜索结果。
func (c *OpenAlgoClient) SearchInstruments(ctx context.Context, query, exchange string) ([]Instrument, error) {
	if exchange == "" {
		exchange = c.exchange
	}
	env, err := c.post(ctx, "/api/v1/search", searchRequest{APIKey: c.apiKey, Query: query, Exchange: exchange})
	if err != nil {
		return nil, fmt.Errorf("broker: 搜索合约 %q: %w", query, err)
	}
	if env.Status != statusSuccess {
		return nil, fmt.Errorf("broker: 搜索合约 %q: %w: %s", query, ErrGatewayUnavailable, env.Message)
	}

	var raw []apiInstrument
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, fmt.Errorf("broker: 解析搜索结果: %w", err)
		}
	}

	out := make([]Instrument, 0, len(raw))
	for _, item := range raw {
		out = append(out, Instrument{
			Symbol:         item.Symbol,
			Name:           item.Name,
			Exchange:       item.Exchange,
			Expiry:         item.Expiry,
			Strike:         float64(item.Strike),
			LotSize:        int(item.LotSize),
			InstrumentType: item.InstrumentType,
		})
	}
	return out, nil
}

type historyRequest struct {
	APIKey    string `json:"apikey"`
	Symbol    string `json:"symbol"`
	Exchange  string `json:"exchange"`
	Interval  string `json:"interval"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type apiCandle struct {
	Timestamp json.RawMessage `json:"timestamp"`
	T         json.RawMessage `json:"t"`
	Open      *flexFloat      `json:"open"`
	O         *flexFloat      `json:"o"`
	High      *flexFloat      `json:"high"`
	H         *flexFloat      `json:"h"`
	Low       *flexFloat      `json:"low"`
	L         *flexFloat      `json:"l"`
	Close     *flexFloat      `json:"close"`
	C         *flexFloat      `json:"c"`
	Volume    *flexFloat      `json:"volume"`
	V         *flexFloat      `json:"v"`
}

// FetchCandles 拉取历史K线，结束日期向后多取一天以包含当日数据。
func (c *OpenAlgoClient) FetchCandles(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	payload := historyRequest{
		APIKey:    c.apiKey,
		Symbol:    symbol,
		Exchange:  c.exchange,
		Interval:  c.interval,
		StartDate: start.Format(dateLayout),
		EndDate:   end.AddDate(0, 0, 1).Format(dateLayout),
	}

	env, err := c.post(ctx, "/api/v1/history", payload)
	if err != nil {
		return nil, fmt.Errorf("broker: 拉取 %s K线: %w", symbol, err)
	}
	if env.Status != "" && env.Status != statusSuccess {
		return nil, fmt.Errorf("broker: 拉取 %s K线: %w: %s", symbol, ErrGatewayUnavailable, env.Message)
	}

	raw, err := decodeCandleRows(env.Data)
	if err != nil {
		return nil, fmt.Errorf("broker: 解析 %s K线: %w", symbol, err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, row := range raw {
		candle, ok := row.toCandle()
		if !ok {
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func decodeCandleRows(data json.RawMessage) ([]apiCandle, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var rows []apiCandle
	if data[0] == '[' {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	var nested struct {
		Candles []apiCandle `json:"candles"`
	}
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, err
	}
	return nested.Candles, nil
}

func (r apiCandle) toCandle() (Candle, bool) {
	closePrice := pick(r.Close, r.C)
	if closePrice == nil {
		return Candle{}, false
	}
	ts := r.Timestamp
	if len(ts) == 0 {
		ts = r.T
	}
	return Candle{
		Timestamp: parseTimestamp(ts),
		Open:      value(pick(r.Open, r.O)),
		High:      value(pick(r.High, r.H)),
		Low:       value(pick(r.Low, r.L)),
		Close:     float64(*closePrice),
		Volume:    value(pick(r.Volume, r.V)),
	}, true
}

func pick(a, b *flexFloat) *flexFloat {
	if a != nil {
		return a
	}
	return b
}

func value(v *flexFloat) float64 {
	if v == nil {
		return 0
	}
	return float64(*v)
}

func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		sec := int64(n)
		if sec > 1e12 {
			return time.UnixMilli(sec).UTC()
		}
		return time.Unix(sec, 0).UTC()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (c *OpenAlgoClient) post(ctx context.Context, path string, payload interface{}) (apiEnvelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return apiEnvelope{}, fmt.Errorf("编码请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apiEnvelope{}, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apiEnvelope{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return apiEnvelope{}, fmt.Errorf("%w: 读取响应失败: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return apiEnvelope{}, fmt.Errorf("%w: HTTP %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return apiEnvelope{}, fmt.Errorf("%w: HTTP %d", ErrGatewayUnavailable, resp.StatusCode)
		}
		// history 接口可能直接返回数组。
		if len(raw) > 0 && raw[0] == '[' {
			return apiEnvelope{Status: statusSuccess, Data: raw}, nil
		}
		return apiEnvelope{}, fmt.Errorf("%w: 响应不是合法 JSON", ErrGatewayUnavailable)
	}
	if resp.StatusCode >= http.StatusBadRequest && env.Status == statusSuccess {
		env.Status = "error"
	}
	if env.Status != statusSuccess && env.Message == "" {
		env.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return env, nil
}

// flexFloat 兼容数字与字符串两种编码。
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.New("broker: 无法解析数值 " + strconv.Quote(s))
	}
	*f = flexFloat(n)
	return nil
}

// flexString 兼容订单号为数字的情况。
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

var (
	_ Gateway      = (*OpenAlgoClient)(nil)
	_ CandleSource = (*OpenAlgoClient)(nil)
)
