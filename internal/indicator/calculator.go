package indicator

import (
	"errors"
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/config"
)

// ErrInsufficientData 表示K线数量不足以计算最慢的指标。
var ErrInsufficientData = errors.New("indicator: insufficient data")

// Result 为最后一根K线上的共振指标值。
type Result struct {
	Close      float64
	EMA        float64
	RSI        float64
	MACD       float64
	MACDSignal float64
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 计算 EMA/RSI/MACD，并按最后一根K线缓存结果。
type Calculator struct {
	params config.SignalConfig

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator(params config.SignalConfig) *Calculator {
	return &Calculator{
		params: params,
		cache:  make(map[string]cacheEntry),
	}
}

// MinCandles 返回计算全部指标所需的最少K线数。
func (c *Calculator) MinCandles() int {
	need := c.params.EMAPeriod
	if macd := c.params.MACDSlow + c.params.MACDSignal; macd > need {
		need = macd
	}
	if rsi := c.params.RSIPeriod + 1; rsi > need {
		need = rsi
	}
	return need
}

// Compute 依据给定K线计算指标，symbol 仅用于缓存区分。
func (c *Calculator) Compute(symbol string, candles []broker.Candle) (Result, error) {
	if len(candles) < c.MinCandles() {
		return Result{}, fmt.Errorf("%w: 需要 %d 根，实际 %d 根", ErrInsufficientData, c.MinCandles(), len(candles))
	}

	series := NewSeries(candles)
	last := series.Timestamps[series.Len()-1]
	cacheKey := fmt.Sprintf("%d:%d:%v", series.Len(), last.UnixNano(), Last(series.Close))

	c.mu.Lock()
	if entry, ok := c.cache[symbol]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	closes := series.Close
	ema := talib.Ema(closes, c.params.EMAPeriod)
	rsi := talib.Rsi(closes, c.params.RSIPeriod)
	macd, macdSignal, _ := talib.Macd(closes, c.params.MACDFast, c.params.MACDSlow, c.params.MACDSignal)

	result := Result{
		Close:      Last(closes),
		EMA:        Last(ema),
		RSI:        Last(rsi),
		MACD:       Last(macd),
		MACDSignal: Last(macdSignal),
	}
	if !finite(result.Close, result.EMA, result.RSI, result.MACD, result.MACDSignal) {
		return Result{}, fmt.Errorf("%w: 指标结果非有限值", ErrInsufficientData)
	}

	c.mu.Lock()
	c.cache[symbol] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}
