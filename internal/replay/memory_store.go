package replay

import (
	"context"
	"sync"
	"time"

	"IntentHub/internal/intent"
)

// MemoryStore 以内存方式保存执行记录，进程重启后不保留，主要用于测试和单机调试。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

// Reserve 实现 Store 接口。
func (m *MemoryStore) Reserve(_ context.Context, id string, action intent.Action) error {
	if err := validateReserve(id, action); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[id]; ok {
		return duplicateError(id, existing.Status)
	}
	now := m.now().Unix()
	m.records[id] = &Record{
		ID:        id,
		Action:    action,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// Finalize 实现 Store 接口。
func (m *MemoryStore) Finalize(_ context.Context, id string, completion Completion) error {
	checkCompletion(id, completion)
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		violate(id, "", completion.Status)
	}
	if record.Status != StatusPending {
		violate(id, record.Status, completion.Status)
	}
	record.Status = completion.Status
	record.Summary = completion.Summary
	record.ErrorCode = string(completion.ErrorCode)
	record.UpdatedAt = m.now().Unix()
	return nil
}

// Get 返回记录副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// List 返回符合过滤条件的记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()
	m.mu.Lock()
	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if matchesListFilters(record, opts) {
			results = append(results, cloneRecord(record))
		}
	}
	m.mu.Unlock()
	return sortAndPage(results, opts), nil
}

// Stats 统计符合过滤条件的记录。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats Stats
	for _, record := range m.records {
		if matchesListFilters(record, opts) {
			stats.add(record)
		}
	}
	return stats, nil
}

// ExpirePending 实现 Store 接口。
func (m *MemoryStore) ExpirePending(_ context.Context, cutoff time.Time) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	completion := timeoutCompletion()
	now := m.now().Unix()
	var expired []*Record
	for _, record := range m.records {
		if record.Status != StatusPending || record.CreatedAt >= cutoff.Unix() {
			continue
		}
		record.Status = completion.Status
		record.Summary = completion.Summary
		record.ErrorCode = string(completion.ErrorCode)
		record.UpdatedAt = now
		expired = append(expired, cloneRecord(record))
	}
	return expired, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
