// Package signal 把趋势、动量水平与动量方向三个条件归约成单一方向判断。
package signal

import (
	"errors"

	"go.uber.org/zap"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/config"
	"confluence-trader/internal/indicator"
)

// Direction 信号方向。
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	None  Direction = "NONE"
)

// Side 返回开仓方向对应的下单方向。
func (d Direction) Side() broker.Side {
	if d == Short {
		return broker.SideSell
	}
	return broker.SideBuy
}

// Signal 为一次入场轮询的即时判断。
type Signal struct {
	Direction Direction
	Price     float64
	Values    indicator.Result
}

// Evaluator 计算共振信号。
type Evaluator struct {
	calc   *indicator.Calculator
	params config.SignalConfig
	logger *zap.Logger
}

// NewEvaluator 创建信号评估器。
func NewEvaluator(params config.SignalConfig, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		calc:   indicator.NewCalculator(params),
		params: params,
		logger: logger,
	}
}

// MinCandles 返回最少需要的K线数。
func (e *Evaluator) MinCandles() int {
	return e.calc.MinCandles()
}

// Evaluate 对K线序列求值，数据不足时返回 NONE。
func (e *Evaluator) Evaluate(symbol string, candles []broker.Candle) Signal {
	values, err := e.calc.Compute(symbol, candles)
	if err != nil {
		if !errors.Is(err, indicator.ErrInsufficientData) {
			e.logger.Warn("指标计算失败", zap.String("symbol", symbol), zap.Error(err))
		} else {
			e.logger.Debug("K线不足，跳过信号", zap.String("symbol", symbol), zap.Int("candles", len(candles)))
		}
		var price float64
		if n := len(candles); n > 0 {
			price = candles[n-1].Close
		}
		return Signal{Direction: None, Price: price}
	}

	return Signal{
		Direction: Decide(values, e.params),
		Price:     values.Close,
		Values:    values,
	}
}

// Decide 为纯函数的共振规则。
func Decide(v indicator.Result, params config.SignalConfig) Direction {
	switch {
	case v.Close > v.EMA && v.RSI < params.RSIOversold && v.MACD > v.MACDSignal:
		return Long
	case v.Close < v.EMA && v.RSI > params.RSIOverbought && v.MACD < v.MACDSignal:
		return Short
	default:
		return None
	}
}
