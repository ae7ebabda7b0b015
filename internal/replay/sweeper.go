package replay

import (
	"context"
	"log/slog"
	"time"

	"IntentHub/pkg/logger"
)

// Sweeper 周期性地把超过 pending 超时的记录标记为失败，
// 使进程崩溃后遗留的预留不会永久阻塞同一 ID。
type Sweeper struct {
	store     Store
	interval  time.Duration
	timeout   time.Duration
	onExpired func(ctx context.Context, records []*Record)
	now       func() time.Time
}

// SweeperOption 定义 Sweeper 的可选配置。
type SweeperOption func(*Sweeper)

// WithSweepInterval 设置扫描周期。
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithExpiredHook 注册过期记录回调，用于告警和指标。
func WithExpiredHook(hook func(ctx context.Context, records []*Record)) SweeperOption {
	return func(s *Sweeper) { s.onExpired = hook }
}

// WithSweepClock 替换扫描使用的时钟。
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSweeper 创建 Sweeper，timeout 为 pending 记录允许存在的最长时间。
func NewSweeper(store Store, timeout time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		interval: time.Minute,
		timeout:  timeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 阻塞直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logger.L().Error("清理超时记录失败", slog.Any("error", err))
			}
		}
	}
}

// SweepOnce 执行一次扫描并返回被标记为失败的记录。
func (s *Sweeper) SweepOnce(ctx context.Context) ([]*Record, error) {
	if s.timeout <= 0 {
		return nil, nil
	}
	expired, err := s.store.ExpirePending(ctx, s.now().Add(-s.timeout))
	if len(expired) > 0 {
		for _, record := range expired {
			logger.Audit().Warn("pending 记录超时",
				slog.String("intent_id", record.ID),
				slog.String("action", string(record.Action)),
				slog.Int64("created_at", record.CreatedAt),
			)
		}
		if s.onExpired != nil {
			s.onExpired(ctx, expired)
		}
	}
	return expired, err
}
