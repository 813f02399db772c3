// Package relay 将变更事件转发到进程外的消息系统，供其他实例或下游消费者订阅。
package relay

import (
	"context"
	"fmt"
	"strings"

	"nets-observer/internal/config"
)

// Message 是一条待转发的事件，Body 为事件的 JSON 编码。
type Message struct {
	ID   string
	Type string
	Body []byte
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// New 按配置创建转发器。driver 为 none 或空时返回 nil。
func New(cfg config.RelayConfig) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(cfg.Buffer), nil
	case "redis":
		return NewRedis(RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
	case "rabbitmq":
		return NewRabbitMQ(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的事件转发驱动: %s", cfg.Driver)
	}
}

// DriverName 返回转发器的驱动名，用于指标标签。
func DriverName(p Publisher) string {
	switch v := p.(type) {
	case *Memory:
		return "memory"
	case *Redis:
		return "redis"
	case *RabbitMQ:
		return "rabbitmq"
	case *Async:
		return DriverName(v.next)
	default:
		return "unknown"
	}
}
