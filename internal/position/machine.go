// Package position 持有唯一仓位，并以互斥锁串行化所有状态转换。
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"confluence-trader/internal/broker"
	"confluence-trader/internal/risk"
	"confluence-trader/internal/signal"
)

var (
	// ErrNotFlat 表示已有仓位，拒绝再次开仓。
	ErrNotFlat = errors.New("position: not flat")
	// ErrInvalidPlan 表示开仓计划不合法。
	ErrInvalidPlan = errors.New("position: invalid leg plan")
	// ErrForcedFlat 表示平仓重试次数耗尽，仓位被强制归零。
	ErrForcedFlat = errors.New("position: forced flat after exit attempts exhausted")
)

// Machine 为仓位状态机。每一腿的网关调用都在临界区内完成。
type Machine struct {
	gateway         broker.Gateway
	rule            risk.Rule
	maxExitAttempts int
	logger          *zap.Logger
	now             func() time.Time

	mu  sync.Mutex
	pos Position

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewMachine 创建状态机，maxExitAttempts 为 0 表示永不强制归零。
func NewMachine(gateway broker.Gateway, rule risk.Rule, maxExitAttempts int, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		gateway:         gateway,
		rule:            rule,
		maxExitAttempts: maxExitAttempts,
		logger:          logger,
		now:             time.Now,
		pos:             Position{State: StateFlat},
	}
}

// Subscribe 注册事件监听。
func (m *Machine) Subscribe(l Listener) {
	if l == nil {
		return
	}
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

func (m *Machine) emit(events ...Event) {
	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()
	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}

func (m *Machine) event(kind EventKind) Event {
	return Event{Kind: kind, Position: m.pos.clone(), At: m.now()}
}

// Snapshot 返回仓位副本。
func (m *Machine) Snapshot() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos.clone()
}

// State 返回当前状态。
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos.State
}

func validatePlans(plans []LegPlan) error {
	if len(plans) == 0 {
		return fmt.Errorf("%w: 至少需要一腿", ErrInvalidPlan)
	}
	if plans[0].Role != RolePrimary {
		return fmt.Errorf("%w: 第一腿必须为 PRIMARY", ErrInvalidPlan)
	}
	for i, p := range plans {
		if i > 0 && p.Role == RolePrimary {
			return fmt.Errorf("%w: 只能有一个 PRIMARY", ErrInvalidPlan)
		}
		if p.Symbol == "" || p.Quantity <= 0 {
			return fmt.Errorf("%w: 第 %d 腿缺少代码或数量", ErrInvalidPlan, i)
		}
		if p.Side != broker.SideBuy && p.Side != broker.SideSell {
			return fmt.Errorf("%w: 第 %d 腿方向非法", ErrInvalidPlan, i)
		}
	}
	return nil
}

// Open 依次下单 PRIMARY 与 HEDGE。PRIMARY 失败回到 FLAT，HEDGE 失败保留主腿并标记降级。
func (m *Machine) Open(ctx context.Context, sig signal.Signal, underlying string, plans []LegPlan) error {
	if sig.Direction != signal.Long && sig.Direction != signal.Short {
		return fmt.Errorf("%w: 信号方向 %q", ErrInvalidPlan, sig.Direction)
	}
	if err := validatePlans(plans); err != nil {
		return err
	}

	m.mu.Lock()
	if m.pos.State != StateFlat {
		state := m.pos.State
		m.mu.Unlock()
		return fmt.Errorf("%w: 当前状态 %s", ErrNotFlat, state)
	}

	legs := make([]Leg, 0, len(plans))
	for _, p := range plans {
		legs = append(legs, Leg{Symbol: p.Symbol, Side: p.Side, Role: p.Role, Quantity: p.Quantity})
	}
	m.pos = Position{
		TradeID:    uuid.NewString(),
		State:      StateEntering,
		Underlying: underlying,
		Direction:  sig.Direction,
		Levels:     m.rule.Initial(sig.Direction, sig.Price),
		Legs:       legs,
	}
	tradeID := m.pos.TradeID
	m.logger.Info("开始开仓",
		zap.String("trade_id", tradeID),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("price", sig.Price),
		zap.Float64("stop_loss", m.pos.Levels.StopLoss),
		zap.Float64("take_profit", m.pos.Levels.TakeProfit),
	)
	m.mu.Unlock()

	for _, plan := range plans {
		var events []Event

		m.mu.Lock()
		res, err := m.gateway.PlaceOrder(ctx, broker.OrderRequest{Symbol: plan.Symbol, Side: plan.Side, Quantity: plan.Quantity})
		idx, ok := m.pos.leg(plan.Role)
		if !ok || m.pos.TradeID != tradeID {
			m.mu.Unlock()
			return errors.New("position: 开仓过程中仓位被修改")
		}

		if err == nil {
			m.pos.Legs[idx].Filled = true
			m.pos.Legs[idx].OrderID = res.OrderID
			ev := m.event(EventLegPlaced)
			leg := m.pos.Legs[idx]
			ev.Leg = &leg
			events = append(events, ev)
			m.logger.Info("开仓腿已成交",
				zap.String("symbol", plan.Symbol),
				zap.String("role", string(plan.Role)),
				zap.String("side", string(plan.Side)),
				zap.String("order_id", res.OrderID),
			)
			m.mu.Unlock()
			m.emit(events...)
			continue
		}

		if plan.Role == RolePrimary {
			ev := m.event(EventEntryFailed)
			ev.Err = err
			m.pos = Position{State: StateFlat}
			m.mu.Unlock()
			m.logger.Warn("主腿下单失败，回到 FLAT", zap.String("symbol", plan.Symbol), zap.Error(err))
			m.emit(ev)
			return fmt.Errorf("position: 主腿 %s 下单失败: %w", plan.Symbol, err)
		}

		failed := m.pos.Legs[idx]
		m.pos.removeLeg(idx)
		m.pos.Degraded = true
		ev := m.event(EventDegraded)
		ev.Leg = &failed
		ev.Err = err
		m.mu.Unlock()
		m.logger.Warn("对冲腿下单失败，保留主腿并标记降级",
			zap.String("symbol", plan.Symbol),
			zap.String("role", string(plan.Role)),
			zap.Error(err),
		)
		m.emit(ev)
	}

	m.mu.Lock()
	m.pos.State = StateOpen
	m.pos.OpenedAt = m.now()
	ev := m.event(EventEntered)
	m.mu.Unlock()
	m.emit(ev)
	return nil
}

// Evaluate 在 OPEN 状态下执行风控规则，触发时转入 EXITING。
func (m *Machine) Evaluate(price float64) (risk.ExitReason, bool) {
	var events []Event

	m.mu.Lock()
	if m.pos.State != StateOpen {
		m.mu.Unlock()
		return risk.ReasonNone, false
	}

	before := m.pos.Levels.StopLoss
	levels, reason := m.rule.Apply(m.pos.Levels, price)
	m.pos.Levels = levels
	if levels.StopLoss != before {
		ev := m.event(EventStopTightened)
		ev.Price = price
		events = append(events, ev)
		m.logger.Info("移动止损已收紧",
			zap.Float64("price", price),
			zap.Float64("from", before),
			zap.Float64("stop_loss", levels.StopLoss),
		)
	}

	if reason != risk.ReasonNone {
		m.pos.State = StateExiting
		m.pos.ExitReason = reason
		m.pos.ExitPrice = price
		ev := m.event(EventExitTriggered)
		ev.Reason = reason
		ev.Price = price
		events = append(events, ev)
		m.logger.Info("触发平仓",
			zap.String("reason", string(reason)),
			zap.Float64("price", price),
			zap.Float64("stop_loss", levels.StopLoss),
			zap.Float64("take_profit", levels.TakeProfit),
		)
	}
	m.mu.Unlock()

	m.emit(events...)
	return reason, reason != risk.ReasonNone
}

// RequestExit 强制将 OPEN 仓位转入 EXITING，用于收盘平仓。
func (m *Machine) RequestExit(reason risk.ExitReason, price float64) bool {
	m.mu.Lock()
	if m.pos.State != StateOpen {
		m.mu.Unlock()
		return false
	}
	m.pos.State = StateExiting
	m.pos.ExitReason = reason
	m.pos.ExitPrice = price
	ev := m.event(EventExitTriggered)
	ev.Reason = reason
	ev.Price = price
	m.mu.Unlock()

	m.logger.Info("请求平仓", zap.String("reason", string(reason)), zap.Float64("price", price))
	m.emit(ev)
	return true
}

// Close 先平对冲腿再平主腿。遇到第一次失败即停止，等待下一轮重试。
func (m *Machine) Close(ctx context.Context) error {
	for _, role := range []Role{RoleHedge, RolePrimary} {
		var events []Event

		m.mu.Lock()
		if m.pos.State != StateExiting {
			m.mu.Unlock()
			return nil
		}
		idx, ok := m.pos.leg(role)
		if !ok {
			m.mu.Unlock()
			continue
		}

		leg := m.pos.Legs[idx]
		_, err := m.gateway.PlaceOrder(ctx, broker.OrderRequest{Symbol: leg.Symbol, Side: leg.Side.Opposite(), Quantity: leg.Quantity})
		if err != nil {
			m.pos.ExitAttempts++
			attempts := m.pos.ExitAttempts
			ev := m.event(EventCloseFailed)
			ev.Leg = &leg
			ev.Err = err
			events = append(events, ev)

			if m.maxExitAttempts > 0 && attempts >= m.maxExitAttempts {
				forced := m.event(EventForcedFlat)
				forced.Err = err
				events = append(events, forced)
				m.pos = Position{State: StateFlat}
				m.mu.Unlock()
				m.logger.Error("平仓重试耗尽，强制归零，券商侧可能仍有持仓",
					zap.Int("attempt", attempts),
					zap.Int("abandoned_legs", len(forced.Position.Legs)),
					zap.Error(err),
				)
				m.emit(events...)
				return fmt.Errorf("%w: %v", ErrForcedFlat, err)
			}

			m.mu.Unlock()
			m.logger.Warn("平仓腿下单失败，下一轮重试",
				zap.String("symbol", leg.Symbol),
				zap.String("role", string(role)),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			m.emit(events...)
			return fmt.Errorf("position: 平仓 %s 失败: %w", leg.Symbol, err)
		}

		m.pos.removeLeg(idx)
		closedLeg := leg
		ev := m.event(EventLegClosed)
		ev.Leg = &closedLeg
		events = append(events, ev)
		m.logger.Info("平仓腿已成交", zap.String("symbol", leg.Symbol), zap.String("role", string(role)))

		if len(m.pos.Legs) == 0 {
			closed := m.event(EventClosed)
			closed.Reason = m.pos.ExitReason
			closed.Price = m.pos.ExitPrice
			events = append(events, closed)
			m.pos = Position{State: StateFlat}
			m.logger.Info("仓位已全部平仓", zap.String("trade_id", closed.Position.TradeID), zap.String("reason", string(closed.Reason)))
		}
		m.mu.Unlock()
		m.emit(events...)
	}
	return nil
}
