package replay

import (
	"context"
	"time"

	"IntentHub/internal/intent"
)

// Store 是重放保护的持久化接口。Reserve 是唯一的同步点：
// 对同一 ID 的并发调用只能有一个成功。
type Store interface {
	// Reserve 原子地为 id 创建 pending 记录；已有记录时返回 ErrDuplicate。
	Reserve(ctx context.Context, id string, action intent.Action) error
	// Finalize 将 pending 记录迁移到终态。记录不存在或不在 pending 时 panic（*ContractViolation）。
	Finalize(ctx context.Context, id string, completion Completion) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	// ExpirePending 将创建时间早于 cutoff 的 pending 记录标记为失败并返回它们。
	ExpirePending(ctx context.Context, cutoff time.Time) ([]*Record, error)
	Close() error
}

// Stats 聚合记录状态，用于健康检查和仪表盘。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(r *Record) {
	s.Total++
	switch r.Status {
	case StatusPending:
		s.Pending++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if r.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = r.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (r.UpdatedAt != 0 && r.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = r.UpdatedAt
	}
}

func timeoutCompletion() Completion {
	return Failed(CodePendingTimeout, "pending timeout exceeded, reconciled by sweeper")
}
