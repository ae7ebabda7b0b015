package adapter

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	xerrors "IntentHub/internal/errors"
	"IntentHub/pkg/logger"
)

// BreakerConfig 控制熔断器的触发与恢复。
type BreakerConfig struct {
	// MaxFailures 是连续失败多少次后打开熔断器。
	MaxFailures uint32
	// OpenTimeout 是熔断器保持打开的时长，之后进入半开状态。
	OpenTimeout time.Duration
	// HalfOpenRequests 是半开状态允许通过的探测请求数。
	HalfOpenRequests uint32
}

func (c *BreakerConfig) applyDefaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
}

type breakerAdapter struct {
	name    string
	next    Adapter
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker 用熔断器包装适配器。负载错误不计入失败次数；
// 熔断器打开时直接返回可重试的 ADAPTER_UNAVAILABLE，不会调用下游。
func WithBreaker(name string, next Adapter, cfg BreakerConfig) Adapter {
	cfg.applyDefaults()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.L().Warn("适配器熔断状态变化",
				slog.String("adapter", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || xerrors.CodeOf(err) == CodeInvalidPayload
		},
	}
	return &breakerAdapter{name: name, next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerAdapter) Execute(ctx context.Context, req Request) (*Outcome, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Execute(ctx, req)
	})
	if err != nil {
		if stdErrors.Is(err, gobreaker.ErrOpenState) || stdErrors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, xerrors.Wrap(CodeUnavailable, err, "adapter circuit open",
				xerrors.WithMetadata("adapter", b.name),
				xerrors.WithRetryable(true))
		}
		return nil, err
	}
	outcome, _ := result.(*Outcome)
	return outcome, nil
}

// BreakerState 返回被 WithBreaker 包装的适配器当前的熔断状态。
func BreakerState(a Adapter) (string, bool) {
	b, ok := a.(*breakerAdapter)
	if !ok {
		return "", false
	}
	return b.breaker.State().String(), true
}
