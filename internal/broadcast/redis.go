package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 发布参数。
type RedisConfig struct {
	Address       string
	Password      string
	DB            int
	ChannelPrefix string
	StatusTTL     time.Duration
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisPublisher 通过 Redis Pub/Sub 发布状态，并保存最近一次状态供读取方兜底。
type RedisPublisher struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

// NewRedisPublisher 创建 Redis 发布器。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client redisClient, cfg RedisConfig) *RedisPublisher {
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "agent:"
	}
	ttl := cfg.StatusTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisPublisher{client: client, prefix: prefix, ttl: ttl}
}

// Name 返回渠道名。
func (p *RedisPublisher) Name() string { return "redis" }

// Channel 返回智能体对应的发布频道。
func (p *RedisPublisher) Channel(agentID string) string {
	return p.prefix + agentID + ":status_update"
}

// StatusKey 返回保存最近状态的键。
func (p *RedisPublisher) StatusKey(agentID string) string {
	return p.prefix + agentID + ":status"
}

// Publish 发布消息并刷新最近状态。
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化广播消息失败: %w", err)
	}
	agentID := msg.Payload.AgentID
	if err := p.client.Publish(ctx, p.Channel(agentID), encoded).Err(); err != nil {
		return fmt.Errorf("Redis 发布状态失败: %w", err)
	}
	if err := p.client.Set(ctx, p.StatusKey(agentID), encoded, p.ttl).Err(); err != nil {
		return fmt.Errorf("Redis 保存状态失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
