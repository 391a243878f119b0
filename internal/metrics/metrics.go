// Package metrics 导出信号、订单与仓位的 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"confluence-trader/internal/position"
	"confluence-trader/internal/signal"
)

var states = []position.State{position.StateFlat, position.StateEntering, position.StateOpen, position.StateExiting}

// Metrics 持有独立的 Registry，避免全局注册冲突。
type Metrics struct {
	registry *prometheus.Registry

	signals       *prometheus.CounterVec
	legOrders     *prometheus.CounterVec
	exits         *prometheus.CounterVec
	forcedFlats   prometheus.Counter
	loopErrors    *prometheus.CounterVec
	state         *prometheus.GaugeVec
	stopLoss      prometheus.Gauge
	lastPrice     prometheus.Gauge
	degraded      prometheus.Gauge
	closedTrades prometheus.Counter
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confluence_signals_total",
			Help: "Signals evaluated by direction.",
		}, []string{"direction"}),
		legOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confluence_leg_orders_total",
			Help: "Leg orders by phase (open|close), role and result (ok|failed).",
		}, []string{"phase", "role", "result"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confluence_exits_total",
			Help: "Exit triggers by reason.",
		}, []string{"reason"}),
		forcedFlats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "confluence_forced_flat_total",
			Help: "Positions forced flat after exhausting exit attempts.",
		}),
		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confluence_loop_errors_total",
			Help: "Loop iterations that ended in error or panic.",
		}, []string{"loop"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confluence_position_state",
			Help: "1 for the current position state, 0 otherwise.",
		}, []string{"state"}),
		stopLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confluence_stop_loss",
			Help: "Current stop-loss level on the underlying, 0 when flat.",
		}),
		lastPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confluence_underlying_last_price",
			Help: "Last underlying price seen by the exit loop.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confluence_position_degraded",
			Help: "1 when the open position is missing its hedge leg.",
		}),
		closedTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "confluence_closed_trades_total",
			Help: "Trades fully closed.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.signals, m.legOrders, m.exits, m.forcedFlats, m.loopErrors,
		m.state, m.stopLoss, m.lastPrice, m.degraded, m.closedTrades,
	)
	m.setState(position.Position{State: position.StateFlat})
	return m
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 Registry。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSignal 统计一次信号。
func (m *Metrics) ObserveSignal(d signal.Direction) {
	m.signals.WithLabelValues(string(d)).Inc()
}

// ObservePrice 记录最新标的价格。
func (m *Metrics) ObservePrice(price float64) {
	m.lastPrice.Set(price)
}

// ObserveLoopError 统计循环异常。
func (m *Metrics) ObserveLoopError(loop string) {
	m.loopErrors.WithLabelValues(loop).Inc()
}

// ObservePositionEvent 根据状态机事件更新指标，可直接作为 Listener。
func (m *Metrics) ObservePositionEvent(ev position.Event) {
	role := ""
	if ev.Leg != nil {
		role = string(ev.Leg.Role)
	}
	switch ev.Kind {
	case position.EventLegPlaced:
		m.legOrders.WithLabelValues("open", role, "ok").Inc()
	case position.EventEntryFailed:
		m.legOrders.WithLabelValues("open", string(position.RolePrimary), "failed").Inc()
	case position.EventDegraded:
		m.legOrders.WithLabelValues("open", role, "failed").Inc()
	case position.EventLegClosed:
		m.legOrders.WithLabelValues("close", role, "ok").Inc()
	case position.EventCloseFailed:
		m.legOrders.WithLabelValues("close", role, "failed").Inc()
	case position.EventExitTriggered:
		m.exits.WithLabelValues(string(ev.Reason)).Inc()
	case position.EventForcedFlat:
		m.forcedFlats.Inc()
	case position.EventClosed:
		m.closedTrades.Inc()
	}

	if ev.Kind == position.EventClosed || ev.Kind == position.EventForcedFlat || ev.Kind == position.EventEntryFailed {
		m.setState(position.Position{State: position.StateFlat})
		return
	}
	m.setState(ev.Position)
}

func (m *Metrics) setState(p position.Position) {
	for _, s := range states {
		v := 0.0
		if s == p.State {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
	m.stopLoss.Set(p.Levels.StopLoss)
	if p.Degraded {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}
