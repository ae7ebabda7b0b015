package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现信封队列。消息体为原始信封，MessageId 作为意图 ID。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	durable bool
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "intenthub.intents"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, queueError(err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, queueError(err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, queueError(err, "设置 RabbitMQ QOS 失败")
		}
	}
	_, err = ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, queueError(err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, durable: cfg.Durable}, nil
}

// Publish 将信封投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, msg intent.Message) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, publishing(msg, q.durable)); err != nil {
		return queueError(err, "RabbitMQ 发布消息失败")
	}
	return nil
}

func publishing(msg intent.Message, durable bool) amqp.Publishing {
	p := amqp.Publishing{
		ContentType: "application/octet-stream",
		MessageId:   msg.ID,
		Timestamp:   time.Now().UTC(),
		Body:        msg.Body,
	}
	if durable {
		p.DeliveryMode = amqp.Persistent
	}
	return p
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return queueError(err, "订阅 RabbitMQ 队列失败")
	}

	log := logger.Named("transport.rabbitmq")
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case delivery, ok := <-msgs:
					if !ok {
						return
					}
					if err := settle(delivery, handler(ctx, messageFromDelivery(delivery))); err != nil {
						log.Warn("确认 RabbitMQ 消息失败", slog.String("message_id", delivery.MessageId), slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func messageFromDelivery(d amqp.Delivery) intent.Message {
	source := "rabbitmq"
	if d.AppId != "" {
		source += ":" + d.AppId
	}
	return intent.Message{ID: d.MessageId, Body: d.Body, Source: source}
}

// settle 对处理结果做确认：可重试的失败在首次投递时退回队列，其余一律 Ack。
func settle(d amqp.Delivery, handlerErr error) error {
	if ShouldRequeue(handlerErr) && !d.Redelivered {
		return d.Nack(false, true)
	}
	return d.Ack(false)
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
