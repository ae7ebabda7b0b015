package transport

import (
	"context"
	"fmt"
	"strings"

	xerrors "IntentHub/internal/errors"
)

// Transport types understood by Open.
const (
	TypeNone     = "none"
	TypeMemory   = "memory"
	TypeRedis    = "redis"
	TypeRabbitMQ = "rabbitmq"
)

// Config 选择并配置入站队列。
type Config struct {
	Type       string
	BufferSize int
	Redis      RedisQueueConfig
	RabbitMQ   RabbitMQConfig
}

// Open 按类型创建队列。TypeNone 返回 nil 队列，表示只接受 HTTP 提交。
func Open(ctx context.Context, cfg Config) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", TypeNone:
		return nil, nil
	case TypeMemory:
		return NewMemoryQueue(cfg.BufferSize), nil
	case TypeRedis:
		q, err := NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return q, nil
	case TypeRabbitMQ:
		q, err := NewRabbitMQQueue(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported transport type %q", cfg.Type))
	}
}
