package backtest

import (
	"time"

	"confluence-trader/internal/risk"
	"confluence-trader/internal/signal"
)

// Trade 为一笔回放成交，盈亏以标的点数计。
type Trade struct {
	Direction  signal.Direction `json:"direction"`
	EntryTime  time.Time        `json:"entry_time"`
	EntryPrice float64          `json:"entry_price"`
	ExitTime   time.Time        `json:"exit_time"`
	ExitPrice  float64          `json:"exit_price"`
	Reason     risk.ExitReason  `json:"reason"`
	Points     float64          `json:"points"`
}

// Simulator 以收盘价驱动与实盘相同的止损止盈规则。
type Simulator struct {
	rule risk.Rule

	open      bool
	levels    risk.Levels
	entryTime time.Time

	cumulative  float64
	equityCurve []float64
	trades      []Trade
}

func NewSimulator(rule risk.Rule) *Simulator {
	return &Simulator{rule: rule, equityCurve: []float64{0}}
}

// Flat 表示当前无持仓。
func (s *Simulator) Flat() bool {
	return !s.open
}

// Open 以 price 开仓。
func (s *Simulator) Open(dir signal.Direction, price float64, ts time.Time) {
	if s.open {
		return
	}
	s.open = true
	s.levels = s.rule.Initial(dir, price)
	s.entryTime = ts
}

// Advance 用最新价格推进持仓，squareOff 为真时无条件平仓。
func (s *Simulator) Advance(price float64, ts time.Time, squareOff bool) (Trade, bool) {
	if !s.open || price <= 0 {
		return Trade{}, false
	}

	var reason risk.ExitReason
	s.levels, reason = s.rule.Apply(s.levels, price)
	if reason == risk.ReasonNone && squareOff {
		reason = risk.ReasonSessionClose
	}
	if reason == risk.ReasonNone {
		return Trade{}, false
	}
	return s.close(price, ts, reason), true
}

// Finish 在数据结束时以最后价格平掉残留仓位。
func (s *Simulator) Finish(price float64, ts time.Time) (Trade, bool) {
	if !s.open {
		return Trade{}, false
	}
	return s.close(price, ts, risk.ReasonSessionClose), true
}

func (s *Simulator) close(price float64, ts time.Time, reason risk.ExitReason) Trade {
	points := risk.PointsFor(s.levels.Direction, s.levels.ReferencePrice, price)
	trade := Trade{
		Direction:  s.levels.Direction,
		EntryTime:  s.entryTime,
		EntryPrice: s.levels.ReferencePrice,
		ExitTime:   ts,
		ExitPrice:  price,
		Reason:     reason,
		Points:     points,
	}
	s.trades = append(s.trades, trade)
	s.cumulative += points
	s.equityCurve = append(s.equityCurve, s.cumulative)

	s.open = false
	s.levels = risk.Levels{}
	s.entryTime = time.Time{}
	return trade
}

func (s *Simulator) Trades() []Trade {
	return append([]Trade(nil), s.trades...)
}

func (s *Simulator) EquityCurve() []float64 {
	return append([]float64(nil), s.equityCurve...)
}
