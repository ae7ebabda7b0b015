package transport

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address     string
	Password    string
	DB          int
	Queue       string
	BlockWait   time.Duration
	MaxAttempts int
}

// RedisQueue 使用 Redis list 实现信封队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client      *redis.Client
	queue       string
	wait        time.Duration
	maxAttempts int
}

// frame 是写入 list 的 JSON 结构，Body 以 base64 保存原始信封。
type frame struct {
	ID       string `json:"id,omitempty"`
	Body     []byte `json:"body"`
	Attempts int    `json:"attempts,omitempty"`
}

// NewRedisQueue 创建 Redis 队列实例并校验连接。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, queueError(err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient 复用已有客户端，连接参数被忽略。
func NewRedisQueueWithClient(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "intenthub:intents"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, maxAttempts: attempts}
}

// Publish 将信封投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, msg intent.Message) error {
	return q.push(ctx, frame{ID: msg.ID, Body: msg.Body})
}

func (q *RedisQueue) push(ctx context.Context, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码队列消息失败")
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return queueError(err, "Redis 发布消息失败")
	}
	return nil
}

// Consume 通过 BRPOP 获取信封。可重试的失败在 MaxAttempts 次以内推回队尾重新处理。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	log := logger.Named("transport.redis")
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if stdErrors.Is(err, redis.Nil) {
						continue
					}
					if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- queueError(err, "Redis 取消息失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				var f frame
				if err := json.Unmarshal([]byte(values[1]), &f); err != nil {
					log.Warn("丢弃无法解析的队列消息", slog.String("error", err.Error()))
					continue
				}
				handlerErr := handler(ctx, intent.Message{ID: f.ID, Body: f.Body, Source: "redis"})
				if !ShouldRequeue(handlerErr) {
					continue
				}
				f.Attempts++
				if f.Attempts >= q.maxAttempts {
					log.Error("消息重试次数耗尽",
						slog.String("intent_id", f.ID),
						slog.Int("attempts", f.Attempts),
						slog.String("error", handlerErr.Error()),
					)
					continue
				}
				if err := q.requeue(ctx, f); err != nil {
					log.Error("重新投递消息失败", slog.String("intent_id", f.ID), slog.String("error", err.Error()))
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// requeue 推回队列尾部，使其在已有消息之后被处理。
func (q *RedisQueue) requeue(ctx context.Context, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.queue, payload).Err()
}

// Len 返回队列中等待处理的消息数量。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, queueError(err, "读取队列长度失败")
	}
	return n, nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
