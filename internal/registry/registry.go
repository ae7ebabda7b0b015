package registry

import (
	"fmt"
	"sort"
	"sync"

	"IntentHub/internal/adapter"
	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
)

const (
	CodeDuplicateAction xerrors.Code = "REGISTRY_DUPLICATE_ACTION"
	CodeSealed          xerrors.Code = "REGISTRY_SEALED"
)

// ErrSealed 表示 Build 之后仍尝试注册。
var ErrSealed = xerrors.New(CodeSealed, "registry already built")

func init() {
	xerrors.Register(CodeDuplicateAction, xerrors.Attributes{Message: "action registered twice", Severity: xerrors.SeverityCritical})
	xerrors.Register(CodeSealed, xerrors.Attributes{Message: "registry already built", Severity: xerrors.SeverityCritical})
}

// Builder 在初始化阶段收集动作与适配器的映射。
type Builder struct {
	mu      sync.Mutex
	entries map[intent.Action]adapter.Adapter
	sealed  bool
}

// NewBuilder 创建空的 Builder。
func NewBuilder() *Builder {
	return &Builder{entries: make(map[intent.Action]adapter.Adapter)}
}

// Register 登记一个动作。非法标签、空适配器、重复登记以及 Build 之后的调用都会返回错误。
func (b *Builder) Register(action intent.Action, a adapter.Adapter) error {
	if err := action.Validate(); err != nil {
		return err
	}
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("adapter for %s is nil", action))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return ErrSealed
	}
	if _, exists := b.entries[action]; exists {
		return xerrors.New(CodeDuplicateAction, fmt.Sprintf("action %s already registered", action),
			xerrors.WithMetadata("action", string(action)))
	}
	b.entries[action] = a
	return nil
}

// Build 封存 Builder 并返回只读的 Registry。重复调用返回同一组映射的新快照。
func (b *Builder) Build() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	entries := make(map[intent.Action]adapter.Adapter, len(b.entries))
	actions := make([]intent.Action, 0, len(b.entries))
	for action, a := range b.entries {
		entries[action] = a
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return &Registry{entries: entries, actions: actions}
}

// Registry 是构建后不可变的动作表，可被任意多个 goroutine 并发读取。
type Registry struct {
	entries map[intent.Action]adapter.Adapter
	actions []intent.Action
}

// Resolve 查找动作对应的适配器。
func (r *Registry) Resolve(action intent.Action) (adapter.Adapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.entries[action]
	return a, ok
}

// Actions 返回已登记的动作，按字典序排列。
func (r *Registry) Actions() []intent.Action {
	if r == nil {
		return nil
	}
	out := make([]intent.Action, len(r.actions))
	copy(out, r.actions)
	return out
}

// Len 返回已登记动作的数量。
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}
