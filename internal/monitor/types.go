package monitor

import (
	"time"

	"confluence-trader/internal/position"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/signal"
)

// EventType 表示日志事件类型。
type EventType string

const (
	EventSignal     EventType = "signal"
	EventEntry      EventType = "entry"
	EventLeg        EventType = "leg"
	EventDegraded   EventType = "degraded"
	EventExit       EventType = "exit"
	EventClosed     EventType = "closed"
	EventForcedFlat EventType = "forced_flat"
	EventError      EventType = "error"
)

// Event 封装通用日志事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SignalPayload 记录一次入场判断。
type SignalPayload struct {
	Symbol     string           `json:"symbol"`
	Direction  signal.Direction `json:"direction"`
	Price      float64          `json:"price"`
	EMA        float64          `json:"ema"`
	RSI        float64          `json:"rsi"`
	MACD       float64          `json:"macd"`
	MACDSignal float64          `json:"macd_signal"`
	Candles    int              `json:"candles"`
}

// PositionPayload 记录状态机事件。
type PositionPayload struct {
	Kind     position.EventKind `json:"kind"`
	Position position.Position  `json:"position"`
	Leg      *position.Leg      `json:"leg,omitempty"`
	Reason   risk.ExitReason    `json:"reason,omitempty"`
	Price    float64            `json:"price,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// typeFor 把状态机事件映射为日志类型，返回空表示不落库。
func typeFor(kind position.EventKind) EventType {
	switch kind {
	case position.EventEntered:
		return EventEntry
	case position.EventLegPlaced, position.EventLegClosed, position.EventCloseFailed, position.EventEntryFailed:
		return EventLeg
	case position.EventDegraded:
		return EventDegraded
	case position.EventExitTriggered:
		return EventExit
	case position.EventClosed:
		return EventClosed
	case position.EventForcedFlat:
		return EventForcedFlat
	default:
		return ""
	}
}
