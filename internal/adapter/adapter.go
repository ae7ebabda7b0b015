package adapter

import (
	"context"
	"fmt"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
)

// Request 是路由器交给适配器的调用参数。
type Request struct {
	IntentID string
	Action   intent.Action
	Version  uint8
	Payload  []byte
}

// Outcome 是适配器成功执行后的结果。
type Outcome struct {
	Action  intent.Action     `json:"action"`
	Summary string            `json:"summary"`
	TxHash  string            `json:"tx_hash,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Adapter 是下游协议的执行能力。实现可以自行重试，
// 但对路由器而言一次 Execute 要么产生 Outcome，要么失败。
type Adapter interface {
	Execute(ctx context.Context, req Request) (*Outcome, error)
}

// Func 允许普通函数作为 Adapter 使用。
type Func func(ctx context.Context, req Request) (*Outcome, error)

// Execute 实现 Adapter。
func (f Func) Execute(ctx context.Context, req Request) (*Outcome, error) {
	return f(ctx, req)
}

const (
	CodeFailed         xerrors.Code = "ADAPTER_FAILED"
	CodeNotConfigured  xerrors.Code = "ADAPTER_NOT_CONFIGURED"
	CodeInvalidPayload xerrors.Code = "ADAPTER_INVALID_PAYLOAD"
	CodeUnavailable    xerrors.Code = "ADAPTER_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeFailed, xerrors.Attributes{Message: "adapter execution failed", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeNotConfigured, xerrors.Attributes{Message: "adapter not configured", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeInvalidPayload, xerrors.Attributes{Message: "adapter payload invalid", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeUnavailable, xerrors.Attributes{Message: "adapter temporarily unavailable", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true})
}

// AsFailure 保留已编码的错误，其余错误包装为 ADAPTER_FAILED。
func AsFailure(action intent.Action, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(CodeFailed, err, fmt.Sprintf("%s adapter failed", action),
		xerrors.WithMetadata("action", string(action)))
}

func invalidPayload(action intent.Action, format string, args ...any) error {
	return xerrors.New(CodeInvalidPayload, fmt.Sprintf("%s: %s", action, fmt.Sprintf(format, args...)),
		xerrors.WithMetadata("action", string(action)))
}
