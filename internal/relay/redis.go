package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 发布通道。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// Redis 通过 PUBLISH 广播事件。
type Redis struct {
	client  *redis.Client
	channel string
}

// NewRedis 创建 Redis 转发器。
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisWithClient(client, cfg.Channel), nil
}

func newRedisWithClient(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = "nets:events"
	}
	return &Redis{client: client, channel: channel}
}

// Publish 发布事件 JSON。
func (r *Redis) Publish(ctx context.Context, msg Message) error {
	if err := r.client.Publish(ctx, r.channel, msg.Body).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Subscribe 订阅同一通道，供其他实例接收事件。
func (r *Redis) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, r.channel)
}

// Close 关闭连接。
func (r *Redis) Close() error {
	return r.client.Close()
}
