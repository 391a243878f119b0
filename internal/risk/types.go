package risk

import (
	"confluence-trader/internal/config"
	"confluence-trader/internal/signal"
)

// ExitReason 描述平仓原因。
type ExitReason string

const (
	ReasonNone         ExitReason = ""
	ReasonStopLoss     ExitReason = "stop_loss"
	ReasonTakeProfit   ExitReason = "take_profit"
	ReasonSessionClose ExitReason = "session_close"
)

// Levels 为以标的价格表示的风险价位。
type Levels struct {
	Direction       signal.Direction `json:"direction"`
	ReferencePrice  float64          `json:"reference_price"`
	StopLoss        float64          `json:"stop_loss"`
	TakeProfit      float64          `json:"take_profit"`
	TrailingExtreme float64          `json:"trailing_extreme"`
	Trailing        bool             `json:"trailing"`
}

// Rule 为固定点数的止损止盈与移动止损规则。
type Rule struct {
	stopLoss   float64
	takeProfit float64
	activation float64
	trail      float64
}

// NewRule 根据配置创建规则。
func NewRule(cfg config.RiskConfig) Rule {
	return Rule{
		stopLoss:   cfg.StopLossPoints,
		takeProfit: cfg.TakeProfitPoints,
		activation: cfg.TrailActivationPoints,
		trail:      cfg.TrailPoints,
	}
}

// Initial 计算开仓时的初始价位。
func (r Rule) Initial(dir signal.Direction, reference float64) Levels {
	l := Levels{
		Direction:       dir,
		ReferencePrice:  reference,
		TrailingExtreme: reference,
	}
	if dir == signal.Short {
		l.StopLoss = reference + r.stopLoss
		l.TakeProfit = reference - r.takeProfit
	} else {
		l.StopLoss = reference - r.stopLoss
		l.TakeProfit = reference + r.takeProfit
	}
	return l
}

// Apply 依次更新极值、收紧止损，再检查止损与止盈，止损优先。
func (r Rule) Apply(l Levels, price float64) (Levels, ExitReason) {
	if l.Direction == signal.Short {
		if price < l.TrailingExtreme {
			l.TrailingExtreme = price
		}
		if l.ReferencePrice-l.TrailingExtreme >= r.activation {
			if candidate := l.TrailingExtreme + r.trail; candidate < l.StopLoss {
				l.StopLoss = candidate
				l.Trailing = true
			}
		}
		switch {
		case price >= l.StopLoss:
			return l, ReasonStopLoss
		case price <= l.TakeProfit:
			return l, ReasonTakeProfit
		}
		return l, ReasonNone
	}

	if price > l.TrailingExtreme {
		l.TrailingExtreme = price
	}
	if l.TrailingExtreme-l.ReferencePrice >= r.activation {
		if candidate := l.TrailingExtreme - r.trail; candidate > l.StopLoss {
			l.StopLoss = candidate
			l.Trailing = true
		}
	}
	switch {
	case price <= l.StopLoss:
		return l, ReasonStopLoss
	case price >= l.TakeProfit:
		return l, ReasonTakeProfit
	}
	return l, ReasonNone
}

// PointsFor 返回按方向计的标的点数盈亏。
func PointsFor(dir signal.Direction, reference, price float64) float64 {
	if dir == signal.Short {
		return reference - price
	}
	return price - reference
}
