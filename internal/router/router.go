package router

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"IntentHub/internal/adapter"
	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/internal/observability/alerting"
	"IntentHub/internal/observability/metrics"
	"IntentHub/internal/registry"
	"IntentHub/internal/replay"
	"IntentHub/pkg/logger"
)

// CodeUnknownAction 表示动作标签格式合法但没有登记适配器。
const CodeUnknownAction xerrors.Code = "ROUTER_UNKNOWN_ACTION"

// ErrUnknownAction 用于 errors.Is 匹配。
var ErrUnknownAction = xerrors.New(CodeUnknownAction, "unknown action")

func init() {
	xerrors.Register(CodeUnknownAction, xerrors.Attributes{Message: "unknown action", Severity: xerrors.SeverityInfo})
}

// DefaultAdapterTimeout bounds a single adapter call when no timeout is configured.
const DefaultAdapterTimeout = 2 * time.Minute

// State 是单条意图在路由器中的处理阶段。
type State string

const (
	StateReceived              State = "received"
	StateDecoded               State = "decoded"
	StateReserved              State = "reserved"
	StateDispatched            State = "dispatched"
	StateSucceeded             State = "succeeded"
	StateFailed                State = "failed"
	StateRejectedCodec         State = "rejected_codec"
	StateRejectedReplay        State = "rejected_replay"
	StateRejectedUnknownAction State = "rejected_unknown_action"
)

// Terminal 报告状态是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRejectedCodec, StateRejectedReplay, StateRejectedUnknownAction:
		return true
	default:
		return false
	}
}

// TerminalState 将 Handle 的返回错误映射为终态。
func TerminalState(err error) State {
	switch {
	case err == nil:
		return StateSucceeded
	case intent.IsCodecError(err):
		return StateRejectedCodec
	case stdErrors.Is(err, replay.ErrDuplicate):
		return StateRejectedReplay
	case stdErrors.Is(err, ErrUnknownAction):
		return StateRejectedUnknownAction
	default:
		return StateFailed
	}
}

// Recorder 接收每条意图的终态统计。
type Recorder interface {
	ObserveIntent(action, outcome string, duration time.Duration)
}

// Router 串联解码、重放预留、动作解析、适配器调度与终结。
// Router 构造后只读，可被任意多个 goroutine 并发调用。
type Router struct {
	codec          *intent.Codec
	store          replay.Store
	actions        *registry.Registry
	alerts         alerting.Dispatcher
	recorder       Recorder
	tracer         trace.Tracer
	log            *slog.Logger
	audit          *slog.Logger
	adapterTimeout time.Duration
}

// Option 自定义 Router。
type Option func(*Router)

// WithCodec 替换默认的信封编解码器。
func WithCodec(codec *intent.Codec) Option {
	return func(r *Router) {
		if codec != nil {
			r.codec = codec
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(r *Router) { r.alerts = alerts }
}

// WithRecorder 设置指标记录器。
func WithRecorder(recorder Recorder) Option {
	return func(r *Router) {
		if recorder != nil {
			r.recorder = recorder
		}
	}
}

// WithTracer 设置链路追踪器。
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithLogger 设置运行日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithAuditLogger 设置终态审计日志，默认使用 logger.Audit()。
func WithAuditLogger(audit *slog.Logger) Option {
	return func(r *Router) { r.audit = audit }
}

// WithAdapterTimeout 限制单次适配器调用的时长。
func WithAdapterTimeout(timeout time.Duration) Option {
	return func(r *Router) {
		if timeout > 0 {
			r.adapterTimeout = timeout
		}
	}
}

// New 构造 Router。store 与 actions 必须非空。
func New(store replay.Store, actions *registry.Registry, opts ...Option) (*Router, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "router requires a replay store")
	}
	if actions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "router requires an action registry")
	}
	r := &Router{
		codec:          intent.NewCodec(),
		store:          store,
		actions:        actions,
		recorder:       metrics.Default(),
		tracer:         otel.Tracer("IntentHub/internal/router"),
		log:            logger.Named("router"),
		adapterTimeout: DefaultAdapterTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Actions 返回路由器可分派的动作。
func (r *Router) Actions() []intent.Action { return r.actions.Actions() }

// Codec 返回路由器使用的编解码器。
func (r *Router) Codec() *intent.Codec { return r.codec }

// Handle 处理一条原始信封，ID 由信封内容派生。
func (r *Router) Handle(ctx context.Context, raw []byte) (*adapter.Outcome, error) {
	return r.HandleMessage(ctx, intent.Message{Body: raw})
}

// HandleMessage 处理传输层投递的消息。msg.ID 为空时以 intent.DeriveID(msg.Body) 作为标识。
//
// 解码失败不会触碰重放记录，因此修正后的消息可以用同一 ID 重新提交。
// 预留成功后，调用方取消 ctx 不再中断处理，记录总会被终结；
// 适配器调用受 adapter timeout 强制约束：超时即按 TIMEOUT 终结，迟到的结果被丢弃。
// 预留之后返回的错误都经过 replay.MarkConsumed 标记。
func (r *Router) HandleMessage(ctx context.Context, msg intent.Message) (*adapter.Outcome, error) {
	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "router.handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	in, err := r.codec.Decode(msg.Body)
	if err != nil {
		r.finish(ctx, span, terminal{id: msg.ID, source: msg.Source, state: StateRejectedCodec, err: err, started: started})
		return nil, err
	}
	in.ID = msg.ID
	if in.ID == "" {
		in.ID = intent.DeriveID(msg.Body)
	}
	span.SetAttributes(
		attribute.String("intent.id", in.ID),
		attribute.String("intent.action", string(in.Action)),
		attribute.Int("intent.version", int(in.Version)),
	)

	if err := r.store.Reserve(ctx, in.ID, in.Action); err != nil {
		r.finish(ctx, span, terminal{id: in.ID, action: in.Action, source: msg.Source, state: TerminalState(err), err: err, started: started})
		return nil, err
	}

	// 预留之后必须走到终态。
	ctx = context.WithoutCancel(ctx)

	handler, ok := r.actions.Resolve(in.Action)
	if !ok {
		err := xerrors.New(CodeUnknownAction, fmt.Sprintf("no adapter registered for %s", in.Action),
			xerrors.WithMetadata("intent_id", in.ID),
			xerrors.WithMetadata("action", string(in.Action)))
		finalizeErr := r.store.Finalize(ctx, in.ID, replay.Failed(CodeUnknownAction, err.Error()))
		r.finish(ctx, span, terminal{id: in.ID, action: in.Action, source: msg.Source, state: StateRejectedUnknownAction, err: err, finalizeErr: finalizeErr, started: started})
		return nil, replay.MarkConsumed(in.ID, joinFinalize(err, finalizeErr))
	}

	dispatched := time.Now()
	out, err := r.dispatch(ctx, handler, in)
	elapsed := time.Since(dispatched)
	if err != nil {
		code := xerrors.CodeOf(err)
		finalizeErr := r.store.Finalize(ctx, in.ID, replay.Failed(code, err.Error()))
		r.finish(ctx, span, terminal{id: in.ID, action: in.Action, source: msg.Source, state: StateFailed, err: err, finalizeErr: finalizeErr, started: started, dispatch: elapsed})
		return nil, replay.MarkConsumed(in.ID, joinFinalize(err, finalizeErr))
	}

	finalizeErr := r.store.Finalize(ctx, in.ID, replay.Succeeded(out.Summary))
	r.finish(ctx, span, terminal{id: in.ID, action: in.Action, source: msg.Source, state: StateSucceeded, outcome: out, finalizeErr: finalizeErr, started: started, dispatch: elapsed})
	if finalizeErr != nil {
		return out, replay.MarkConsumed(in.ID, finalizeErr)
	}
	return out, nil
}

type dispatchResult struct {
	out *adapter.Outcome
	err error
}

// dispatch 在独立 goroutine 中调用适配器，并在 adapter timeout 到期时立即返回。
// 忽略 ctx 的适配器可能在超时后才结束，它的结果会被丢弃，记录只终结一次。
func (r *Router) dispatch(ctx context.Context, handler adapter.Adapter, in intent.Intent) (*adapter.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.adapterTimeout)
	defer cancel()
	ctx, span := r.tracer.Start(ctx, "adapter.execute", trace.WithAttributes(attribute.String("intent.action", string(in.Action))))
	defer span.End()

	done := make(chan dispatchResult, 1)
	go func() {
		done <- r.execute(ctx, handler, in)
	}()

	var result dispatchResult
	select {
	case result = <-done:
	case <-ctx.Done():
		select {
		case result = <-done:
		default:
			r.log.Warn("适配器超时未返回，迟到的结果将被丢弃",
				slog.String("intent_id", in.ID),
				slog.String("action", string(in.Action)),
				slog.Duration("timeout", r.adapterTimeout),
			)
			result = dispatchResult{err: r.timeoutError(in, ctx.Err())}
		}
	}
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, string(xerrors.CodeOf(result.err)))
		return nil, result.err
	}
	return result.out, nil
}

// execute 调用适配器，将 panic、超时与未编码错误统一为编码错误。
func (r *Router) execute(ctx context.Context, handler adapter.Adapter, in intent.Intent) (result dispatchResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = dispatchResult{err: xerrors.New(adapter.CodeFailed, fmt.Sprintf("%s adapter panicked: %v", in.Action, recovered),
				xerrors.WithMetadata("intent_id", in.ID))}
		}
	}()

	out, err := handler.Execute(ctx, adapter.Request{
		IntentID: in.ID,
		Action:   in.Action,
		Version:  in.Version,
		Payload:  in.Payload,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			if _, coded := xerrors.From(err); !coded {
				return dispatchResult{err: r.timeoutError(in, err)}
			}
		}
		return dispatchResult{err: adapter.AsFailure(in.Action, err)}
	}
	if out == nil {
		out = &adapter.Outcome{}
	}
	if out.Action == "" {
		out.Action = in.Action
	}
	return dispatchResult{out: out}
}

func (r *Router) timeoutError(in intent.Intent, err error) error {
	return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("%s adapter timed out after %s", in.Action, r.adapterTimeout),
		xerrors.WithMetadata("intent_id", in.ID))
}

type terminal struct {
	id          string
	action      intent.Action
	source      string
	state       State
	err         error
	finalizeErr error
	outcome     *adapter.Outcome
	started     time.Time
	dispatch    time.Duration
}

// finish 记录终态：日志、审计、指标、追踪与告警。
func (r *Router) finish(ctx context.Context, span trace.Span, t terminal) {
	actionLabel := string(t.action)
	if actionLabel == "" {
		actionLabel = "-"
	}
	r.recorder.ObserveIntent(actionLabel, string(t.state), t.dispatch)
	span.SetAttributes(attribute.String("intent.state", string(t.state)))

	attrs := []any{
		slog.String("intent_id", t.id),
		slog.String("action", string(t.action)),
		slog.String("state", string(t.state)),
		slog.Duration("elapsed", time.Since(t.started)),
	}
	if t.err != nil {
		attrs = append(attrs, slog.String("code", string(xerrors.CodeOf(t.err))), slog.String("error", t.err.Error()))
		span.RecordError(t.err)
		span.SetStatus(codes.Error, string(xerrors.CodeOf(t.err)))
	}
	if t.source != "" {
		attrs = append(attrs, slog.String("source", t.source))
	}
	if t.outcome != nil {
		attrs = append(attrs, slog.String("summary", t.outcome.Summary))
		if t.outcome.TxHash != "" {
			attrs = append(attrs, slog.String("tx_hash", t.outcome.TxHash))
		}
	}

	switch t.state {
	case StateSucceeded:
		r.log.Info("意图执行成功", attrs...)
	case StateFailed:
		r.log.Warn("意图执行失败", attrs...)
	default:
		r.log.Info("意图被拒绝", attrs...)
	}
	r.auditLog().Info("intent_terminal", attrs...)

	if t.finalizeErr != nil {
		r.log.Error("终结执行记录失败，记录将由超时清理处理",
			slog.String("intent_id", t.id),
			slog.String("error", t.finalizeErr.Error()),
		)
		span.RecordError(t.finalizeErr)
		r.alert(ctx, t.finalizeErr, t)
	}
	if t.err != nil && t.state != StateRejectedCodec {
		r.alert(ctx, t.err, t)
	}
}

func (r *Router) auditLog() *slog.Logger {
	if r.audit != nil {
		return r.audit
	}
	return logger.Audit()
}

func (r *Router) alert(ctx context.Context, err error, t terminal) {
	if r.alerts == nil {
		return
	}
	event, ok := alerting.EventFromError(err, t.id, string(t.action))
	if !ok {
		return
	}
	if notifyErr := r.alerts.Notify(ctx, event); notifyErr != nil {
		r.log.Warn("发送告警失败", slog.String("intent_id", t.id), slog.String("error", notifyErr.Error()))
	}
}

// joinFinalize 优先返回业务错误，同时保留终结失败的信息。
func joinFinalize(err, finalizeErr error) error {
	if finalizeErr == nil {
		return err
	}
	return stdErrors.Join(err, finalizeErr)
}
