package backtest

import "math"

// Metrics 记录回测绩效指标，单位为标的点数。
type Metrics struct {
	TotalPoints  float64 `json:"total_points"`
	Trades       int     `json:"trades"`
	WinRate      float64 `json:"win_rate"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	ProfitFactor float64 `json:"profit_factor"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
}

func calculateMetrics(equity []float64, trades []Trade) Metrics {
	m := Metrics{Trades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	points := make([]float64, 0, len(trades))
	var wins int
	var gross, loss float64
	for _, t := range trades {
		points = append(points, t.Points)
		m.TotalPoints += t.Points
		if t.Points > 0 {
			wins++
			gross += t.Points
		} else {
			loss -= t.Points
		}
	}

	m.WinRate = float64(wins) / float64(len(trades))
	if loss > 0 {
		m.ProfitFactor = gross / loss
	}
	m.MaxDrawdown = computeDrawdown(equity)
	m.SharpeRatio = computeSharpe(points)
	return m
}

// computeDrawdown 返回累计点数曲线从峰值回撤的最大点数。
func computeDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// computeSharpe 为逐笔收益的均值与标准差之比，不做年化。
func computeSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)

	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}
