package position

import (
	"time"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/signal"
)

// State 为仓位生命周期状态。
type State string

const (
	StateFlat     State = "FLAT"
	StateEntering State = "ENTERING"
	StateOpen     State = "OPEN"
	StateExiting  State = "EXITING"
)

// Role 区分主腿与对冲腿。
type Role string

const (
	RolePrimary Role = "PRIMARY"
	RoleHedge   Role = "HEDGE"
)

// LegPlan 描述开仓时要下的一腿。
type LegPlan struct {
	Symbol   string
	Side     broker.Side
	Role     Role
	Quantity int
}

// Leg 为券商侧的一笔订单，创建后只会修改 Filled。
type Leg struct {
	Symbol   string      `json:"symbol"`
	Side     broker.Side `json:"side"`
	Role     Role        `json:"role"`
	Quantity int         `json:"quantity"`
	Filled   bool        `json:"filled"`
	OrderID  string      `json:"order_id,omitempty"`
}

// Position 为唯一的持仓，FLAT 时除状态外全部为零值。
type Position struct {
	TradeID      string           `json:"trade_id,omitempty"`
	State        State            `json:"state"`
	Underlying   string           `json:"underlying,omitempty"`
	Direction    signal.Direction `json:"direction,omitempty"`
	Levels       risk.Levels      `json:"levels"`
	Legs         []Leg            `json:"legs"`
	Degraded     bool             `json:"degraded"`
	ExitReason   risk.ExitReason  `json:"exit_reason,omitempty"`
	ExitPrice    float64          `json:"exit_price,omitempty"`
	ExitAttempts int              `json:"exit_attempts"`
	OpenedAt     time.Time        `json:"opened_at,omitempty"`
}

func (p Position) clone() Position {
	out := p
	if p.Legs != nil {
		out.Legs = make([]Leg, len(p.Legs))
		copy(out.Legs, p.Legs)
	}
	return out
}

func (p *Position) leg(role Role) (int, bool) {
	for i := range p.Legs {
		if p.Legs[i].Role == role {
			return i, true
		}
	}
	return -1, false
}

func (p *Position) removeLeg(idx int) {
	p.Legs = append(p.Legs[:idx:idx], p.Legs[idx+1:]...)
}

// EventKind 为状态机对外通知的事件类型。
type EventKind string

const (
	EventEntered       EventKind = "entered"
	EventEntryFailed   EventKind = "entry_failed"
	EventLegPlaced     EventKind = "leg_placed"
	EventDegraded      EventKind = "degraded"
	EventStopTightened EventKind = "stop_tightened"
	EventExitTriggered EventKind = "exit_triggered"
	EventLegClosed     EventKind = "leg_closed"
	EventCloseFailed   EventKind = "close_failed"
	EventClosed        EventKind = "closed"
	EventForcedFlat    EventKind = "forced_flat"
)

// Event 携带变更后的仓位快照，FLAT 之前的最后快照见 Position。
type Event struct {
	Kind     EventKind
	Position Position
	Leg      *Leg
	Reason   risk.ExitReason
	Price    float64
	Err      error
	At       time.Time
}

// Listener 在释放锁之后同步调用。
type Listener func(Event)
