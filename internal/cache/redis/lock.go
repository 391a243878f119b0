package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrLockHeld 表示同一标的已有其他实例在运行。
	ErrLockHeld = errors.New("redis: 实例锁已被占用")
	// ErrLockLost 表示续期时发现锁已不属于本实例。
	ErrLockLost = errors.New("redis: 实例锁已丢失")
)

const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

func lockKey(root string) string {
	return "lock:confluence:" + root
}

// InstanceLock 保证同一标的只有一个交易进程。
type InstanceLock struct {
	rdb       *redis.Client
	key       string
	token     string
	ttl       time.Duration
	unlockSc  *redis.Script
	refreshSc *redis.Script
	logger    *zap.Logger

	once sync.Once
}

// NewInstanceLock 创建实例锁，尚未获取。
func NewInstanceLock(c *Client, root string, ttl time.Duration, logger *zap.Logger) *InstanceLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstanceLock{
		rdb:       c.Underlying(),
		key:       lockKey(root),
		token:     uuid.NewString(),
		ttl:       ttl,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
		logger:    logger.With(zap.String("lock", lockKey(root))),
	}
}

// Acquire 通过 SETNX 获取锁，已被占用时返回 ErrLockHeld。
func (l *InstanceLock) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: 获取实例锁失败: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	l.logger.Info("已获取实例锁", zap.Duration("ttl", l.ttl))
	return nil
}

// Refresh 延长锁的有效期。
func (l *InstanceLock) Refresh(ctx context.Context) error {
	res, err := l.refreshSc.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: 续期实例锁失败: %w", err)
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

// KeepAlive 以 ttl/3 的周期续期，直到 ctx 结束或锁丢失。
func (l *InstanceLock) KeepAlive(ctx context.Context) error {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				if errors.Is(err, ErrLockLost) {
					return err
				}
				l.logger.Warn("续期实例锁失败", zap.Error(err))
			}
		}
	}
}

// Release 释放锁，可重复调用。
func (l *InstanceLock) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.unlockSc.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
			l.logger.Warn("释放实例锁失败", zap.Error(err))
		}
	})
}
