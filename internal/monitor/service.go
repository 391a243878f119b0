package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"confluence-trader/internal/position"
	"confluence-trader/internal/signal"
	"confluence-trader/internal/store"
)

// Service 负责持久化交易日志事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化日志服务，创建所需表结构。
func NewService(ctx context.Context, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	err := st.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS monitor_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			trade_id TEXT,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_trade ON monitor_events(trade_id);`,
	)
	if err != nil {
		return nil, fmt.Errorf("monitor: 初始化表失败: %w", err)
	}

	return &Service{db: st.DB(), logger: logger}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	return s.record(ctx, event, "")
}

func (s *Service) record(ctx context.Context, event Event, tradeID string) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var trade interface{}
	if tradeID != "" {
		trade = tradeID
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, trade_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), trade, string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	return nil
}

// RecordSignal 记录一次信号判断。
func (s *Service) RecordSignal(ctx context.Context, symbol string, sig signal.Signal, candles int) {
	if err := s.Record(ctx, Event{
		Type: EventSignal,
		Payload: SignalPayload{
			Symbol:     symbol,
			Direction:  sig.Direction,
			Price:      sig.Price,
			EMA:        sig.Values.EMA,
			RSI:        sig.Values.RSI,
			MACD:       sig.Values.MACD,
			MACDSignal: sig.Values.MACDSignal,
			Candles:    candles,
		},
	}); err != nil {
		s.logger.Warn("记录信号事件失败", zap.Error(err))
	}
}

// RecordPositionEvent 记录状态机事件，无对应类型的事件忽略。
func (s *Service) RecordPositionEvent(ctx context.Context, ev position.Event) {
	typ := typeFor(ev.Kind)
	if typ == "" {
		return
	}
	payload := PositionPayload{
		Kind:     ev.Kind,
		Position: ev.Position,
		Leg:      ev.Leg,
		Reason:   ev.Reason,
		Price:    ev.Price,
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	if err := s.record(ctx, Event{Type: typ, Timestamp: ev.At, Payload: payload}, ev.Position.TradeID); err != nil {
		s.logger.Warn("记录仓位事件失败", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{Type: EventError, Payload: payload}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件，最新的在前。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Time{}
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

// TradeEvents 返回某笔交易的全部事件，按时间顺序。
func (s *Service) TradeEvents(ctx context.Context, tradeID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, payload, created_at FROM monitor_events WHERE trade_id = ? ORDER BY id ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询交易事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var typ, payload, created string
		if err := rows.Scan(&typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, created)
		events = append(events, Event{Type: EventType(typ), Timestamp: ts, Payload: json.RawMessage(payload)})
	}
	return events, rows.Err()
}
