// Package redis 提供基于 go-redis 的单实例锁与仓位状态发布。
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"confluence-trader/internal/config"
)

// Client 包装 go-redis 客户端。
type Client struct {
	rdb *redis.Client
}

// NewClient 创建客户端并 Ping 校验连通性。
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close 关闭连接。
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying 返回底层客户端。
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
