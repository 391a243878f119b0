package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"confluence-trader/internal/position"
)

func stateKey(root string) string {
	return "position:" + root
}

// StatePublisher 把仓位快照写入 position:<root> 哈希，供外部看板读取。
type StatePublisher struct {
	rdb    *redis.Client
	key    string
	logger *zap.Logger
}

// NewStatePublisher 创建状态发布器。
func NewStatePublisher(c *Client, root string, logger *zap.Logger) *StatePublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatePublisher{rdb: c.Underlying(), key: stateKey(root), logger: logger}
}

// Publish 写入快照。
func (p *StatePublisher) Publish(ctx context.Context, pos position.Position, at time.Time) error {
	fields, err := snapshotFields(pos, at)
	if err != nil {
		return err
	}
	if err := p.rdb.HSet(ctx, p.key, fields).Err(); err != nil {
		return fmt.Errorf("redis: 写入仓位快照失败: %w", err)
	}
	return nil
}

// Observe 可注册为状态机 Listener，错误仅记录日志。
func (p *StatePublisher) Observe(ev position.Event) {
	if ev.Kind == position.EventStopTightened {
		return
	}
	snap := ev.Position
	if ev.Kind == position.EventClosed || ev.Kind == position.EventForcedFlat || ev.Kind == position.EventEntryFailed {
		snap = position.Position{State: position.StateFlat}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Publish(ctx, snap, ev.At); err != nil {
		p.logger.Warn("发布仓位快照失败", zap.String("event", string(ev.Kind)), zap.Error(err))
	}
}

func snapshotFields(pos position.Position, at time.Time) (map[string]interface{}, error) {
	raw, err := json.Marshal(pos)
	if err != nil {
		return nil, fmt.Errorf("redis: 序列化仓位失败: %w", err)
	}
	if at.IsZero() {
		at = time.Now()
	}
	return map[string]interface{}{
		"state":    string(pos.State),
		"snapshot": string(raw),
		"ts":       strconv.FormatInt(at.UnixNano(), 10),
	}, nil
}
