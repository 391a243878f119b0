package indicator

import (
	"math"
	"time"

	"confluence-trader/internal/broker"
)

// Series 将K线拆分为收盘价序列。
type Series struct {
	Timestamps []time.Time
	Close      []float64
}

// NewSeries 从K线创建 Series，调用方保证按时间升序。
func NewSeries(candles []broker.Candle) Series {
	series := Series{
		Timestamps: make([]time.Time, len(candles)),
		Close:      make([]float64, len(candles)),
	}
	for i, candle := range candles {
		series.Timestamps[i] = candle.Timestamp.UTC()
		series.Close[i] = candle.Close
	}
	return series
}

// Len 返回序列长度。
func (s Series) Len() int {
	return len(s.Close)
}

// Last 返回序列最后一个值，若为空则返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
