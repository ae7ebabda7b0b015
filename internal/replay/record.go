package replay

import (
	"errors"
	"fmt"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
)

// Status 表示执行记录所处的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// MaxIDLen 是消息标识允许的最大长度，与 replay_records.id 列宽一致。
const MaxIDLen = 128

// Record 是某个意图 ID 唯一的执行记录。
type Record struct {
	ID        string        `json:"id"`
	Action    intent.Action `json:"action"`
	Status    Status        `json:"status"`
	Summary   string        `json:"summary,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	CreatedAt int64         `json:"created_at"`
	UpdatedAt int64         `json:"updated_at"`
}

// Completion 描述一次 Finalize 写入的终态。
type Completion struct {
	Status    Status
	Summary   string
	ErrorCode xerrors.Code
}

// Succeeded 构造成功终态。
func Succeeded(summary string) Completion {
	return Completion{Status: StatusSucceeded, Summary: summary}
}

// Failed 构造失败终态。
func Failed(code xerrors.Code, summary string) Completion {
	return Completion{Status: StatusFailed, Summary: summary, ErrorCode: code}
}

const (
	CodeDuplicate      xerrors.Code = "REPLAY_DUPLICATE"
	CodeRecordNotFound xerrors.Code = "REPLAY_RECORD_NOT_FOUND"
	CodePendingTimeout xerrors.Code = "REPLAY_PENDING_TIMEOUT"
)

var (
	// ErrDuplicate 表示该 ID 已有执行记录，调用方不得再产生副作用。
	ErrDuplicate = xerrors.New(CodeDuplicate, "intent already seen")
	// ErrRecordNotFound 表示查询的记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "replay record not found")
)

func init() {
	xerrors.Register(CodeDuplicate, xerrors.Attributes{Message: "intent already seen", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{Message: "replay record not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePendingTimeout, xerrors.Attributes{
		Message:  "dispatch did not finish before the pending timeout",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

func duplicateError(id string, current Status) error {
	return xerrors.New(CodeDuplicate, fmt.Sprintf("intent %s already seen (%s)", id, current),
		xerrors.WithMetadata("intent_id", id),
		xerrors.WithMetadata("status", string(current)))
}

func validateReserve(id string, action intent.Action) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent id is empty")
	}
	if len(id) > MaxIDLen {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("intent id longer than %d bytes", MaxIDLen))
	}
	if len(action) > intent.MaxActionLen {
		return xerrors.New(xerrors.CodeInvalidArgument, "action tag too long")
	}
	return nil
}

// ConsumedError 包装预留成功之后产生的错误。此时 ID 已被占用，
// 用同一 ID 重新提交只会得到 ErrDuplicate，重试必须换用新的 ID。
type ConsumedError struct {
	ID  string
	Err error
}

func (e *ConsumedError) Error() string { return e.Err.Error() }

func (e *ConsumedError) Unwrap() error { return e.Err }

// MarkConsumed 标记 err 发生在 id 预留之后，err 为 nil 时返回 nil。
func MarkConsumed(id string, err error) error {
	if err == nil {
		return nil
	}
	return &ConsumedError{ID: id, Err: err}
}

// IsConsumed 报告 err 是否发生在 ID 已被预留之后。
func IsConsumed(err error) bool {
	var consumed *ConsumedError
	return errors.As(err, &consumed)
}

// ContractViolation 在终结一条不处于 pending 的记录时被 panic 抛出。
// 这说明存在并发缺陷或状态损坏，不能当作可恢复错误处理。
type ContractViolation struct {
	ID      string
	Current Status
	Wanted  Status
}

func (v *ContractViolation) Error() string {
	current := string(v.Current)
	if current == "" {
		current = "absent"
	}
	return fmt.Sprintf("replay: finalize %s to %s while record is %s", v.ID, v.Wanted, current)
}

func violate(id string, current, wanted Status) {
	panic(&ContractViolation{ID: id, Current: current, Wanted: wanted})
}

func checkCompletion(id string, c Completion) {
	if c.Status != StatusSucceeded && c.Status != StatusFailed {
		violate(id, StatusPending, c.Status)
	}
}

func cloneRecord(r *Record) *Record {
	clone := *r
	return &clone
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
