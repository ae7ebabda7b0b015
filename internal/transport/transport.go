package transport

import (
	"context"
	stdErrors "errors"

	"IntentHub/internal/adapter"
	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/internal/replay"
)

// Handler 处理一条来自队列的原始信封。
type Handler func(ctx context.Context, msg intent.Message) error

// Producer 负责向队列投递信封。
type Producer interface {
	Publish(ctx context.Context, msg intent.Message) error
	Close() error
}

// Consumer 负责从队列中消费信封。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// MessageRouter 是队列消费端依赖的路由能力，由 router.Router 实现。
type MessageRouter interface {
	HandleMessage(ctx context.Context, msg intent.Message) (*adapter.Outcome, error)
}

// RouterHandler 将路由器适配为队列 Handler。路由器自行记录终态，
// 这里只把错误交还给队列以决定是否重投。
func RouterHandler(r MessageRouter) Handler {
	return func(ctx context.Context, msg intent.Message) error {
		_, err := r.HandleMessage(ctx, msg)
		return err
	}
}

// ShouldRequeue 判断处理失败的消息是否值得重新投递。
// 重复消息等同于已处理；预留之后的失败不重投，因为同一 ID 再次投递只会得到 Duplicate；
// 其余错误只有在可重试时才重投。
func ShouldRequeue(err error) bool {
	if err == nil || stdErrors.Is(err, replay.ErrDuplicate) || replay.IsConsumed(err) {
		return false
	}
	if intent.IsCodecError(err) {
		return false
	}
	return xerrors.RetryableError(err)
}

func queueError(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeQueueFailure, err, msg, xerrors.WithRetryable(true))
}
