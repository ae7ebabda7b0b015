package router

import (
	"bytes"
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntentHub/internal/adapter"
	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/internal/observability/alerting"
	"IntentHub/internal/observability/metrics"
	"IntentHub/internal/registry"
	"IntentHub/internal/replay"
	"IntentHub/internal/web3"
)

var (
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	pool = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type countingInvoker struct {
	calls atomic.Int32
	delay time.Duration
}

func (c *countingInvoker) From() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000f0")
}

func (c *countingInvoker) Transact(context.Context, common.Address, abi.ABI, string, ...any) (*web3.TxReceipt, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return &web3.TxReceipt{Hash: common.HexToHash("0xbeef"), BlockNumber: 7, Status: 1}, nil
}

func (c *countingInvoker) Close() {}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

type fixture struct {
	router   *Router
	store    *replay.MemoryStore
	invoker  *countingInvoker
	alerts   *recordingAlerts
	recorder *metrics.Collector
}

func newFixture(t *testing.T, extra map[intent.Action]adapter.Adapter, opts ...Option) *fixture {
	t.Helper()
	invoker := &countingInvoker{}
	builder := registry.NewBuilder()
	require.NoError(t, builder.Register(intent.ActionLend, adapter.NewLendAdapter(invoker, adapter.LendConfig{
		Pool:   pool,
		Assets: adapter.AssetBook{"USDC": usdc},
	})))
	for action, a := range extra {
		require.NoError(t, builder.Register(action, a))
	}
	f := &fixture{
		store:    replay.NewMemoryStore(),
		invoker:  invoker,
		alerts:   &recordingAlerts{},
		recorder: metrics.NewCollector(),
	}
	opts = append([]Option{WithAlerts(f.alerts), WithRecorder(f.recorder)}, opts...)
	r, err := New(f.store, builder.Build(), opts...)
	require.NoError(t, err)
	f.router = r
	return f
}

func envelope(t *testing.T, action intent.Action, payload string) []byte {
	t.Helper()
	raw, err := intent.NewCodec().Encode(intent.Intent{Action: action, Version: 1, Payload: []byte(payload)})
	require.NoError(t, err)
	return raw
}

func TestHandleLendSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	raw := envelope(t, intent.ActionLend, "amount:100,asset:USDC")

	out, err := f.router.Handle(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, intent.ActionLend, out.Action)
	assert.Contains(t, out.Summary, "supplied 100 USDC")
	assert.Equal(t, int32(1), f.invoker.calls.Load())

	record, err := f.store.Get(context.Background(), intent.DeriveID(raw))
	require.NoError(t, err)
	assert.Equal(t, replay.StatusSucceeded, record.Status)
	assert.Equal(t, out.Summary, record.Summary)
	assert.Equal(t, uint64(1), f.recorder.IntentCount("LEND", string(StateSucceeded)))
	assert.Empty(t, f.alerts.codes())
}

func TestHandleDuplicateRunsAdapterOnce(t *testing.T) {
	f := newFixture(t, nil)
	raw := envelope(t, intent.ActionLend, "amount:100,asset:USDC")

	_, err := f.router.Handle(context.Background(), raw)
	require.NoError(t, err)
	_, err = f.router.Handle(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, stdErrors.Is(err, replay.ErrDuplicate))
	assert.Equal(t, StateRejectedReplay, TerminalState(err))
	assert.Equal(t, int32(1), f.invoker.calls.Load())
	assert.Equal(t, uint64(1), f.recorder.IntentCount("LEND", string(StateRejectedReplay)))
}

func TestHandleUnknownActionFinalizesFailed(t *testing.T) {
	f := newFixture(t, nil)
	raw := envelope(t, "UNKNOWN", "amount:100,asset:USDC")

	_, err := f.router.Handle(context.Background(), raw)
	require.Error(t, err)
	assert.True(t, stdErrors.Is(err, ErrUnknownAction))
	assert.Equal(t, StateRejectedUnknownAction, TerminalState(err))
	assert.Zero(t, f.invoker.calls.Load())

	record, err := f.store.Get(context.Background(), intent.DeriveID(raw))
	require.NoError(t, err)
	assert.Equal(t, replay.StatusFailed, record.Status)
	assert.Equal(t, string(CodeUnknownAction), record.ErrorCode)

	_, err = f.router.Handle(context.Background(), raw)
	assert.True(t, stdErrors.Is(err, replay.ErrDuplicate), "consumed id must stay consumed")
}

func TestHandleMalformedLeavesNoRecord(t *testing.T) {
	f := newFixture(t, nil)
	good := envelope(t, intent.ActionLend, "amount:100,asset:USDC")
	truncated := good[:len(good)-3]
	oversizeTag := append([]byte{1, 65}, make([]byte, 65)...)

	for name, body := range map[string][]byte{"truncated": truncated, "oversize tag": oversizeTag} {
		t.Run(name, func(t *testing.T) {
			msg := intent.Message{ID: "bridge-42", Body: body}
			_, err := f.router.HandleMessage(context.Background(), msg)
			require.Error(t, err)
			assert.True(t, intent.IsCodecError(err))
			assert.Equal(t, StateRejectedCodec, TerminalState(err))

			_, err = f.store.Get(context.Background(), "bridge-42")
			assert.True(t, stdErrors.Is(err, replay.ErrRecordNotFound))
		})
	}
	assert.Zero(t, f.invoker.calls.Load())

	out, err := f.router.HandleMessage(context.Background(), intent.Message{ID: "bridge-42", Body: good})
	require.NoError(t, err, "corrected resubmission with the same id must succeed")
	assert.NotEmpty(t, out.TxHash)
	assert.Equal(t, uint64(2), f.recorder.IntentCount("-", string(StateRejectedCodec)))
}

func TestHandleConcurrentSameEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	f.invoker.delay = 5 * time.Millisecond
	raw := envelope(t, intent.ActionLend, "amount:7,asset:USDC")

	const workers = 32
	var (
		wg         sync.WaitGroup
		successes  atomic.Int32
		duplicates atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.router.Handle(context.Background(), raw)
			switch {
			case err == nil:
				successes.Add(1)
			case stdErrors.Is(err, replay.ErrDuplicate):
				duplicates.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), duplicates.Load())
	assert.Equal(t, int32(1), f.invoker.calls.Load())
}

func TestHandleAdapterFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	failing := adapter.Func(func(context.Context, adapter.Request) (*adapter.Outcome, error) {
		calls.Add(1)
		return nil, stdErrors.New("downstream rejected")
	})
	f := newFixture(t, map[intent.Action]adapter.Adapter{intent.ActionSwap: failing})
	raw := envelope(t, intent.ActionSwap, "amount:1")

	_, err := f.router.Handle(context.Background(), raw)
	require.Error(t, err)
	assert.Equal(t, adapter.CodeFailed, xerrors.CodeOf(err))
	assert.Equal(t, StateFailed, TerminalState(err))
	assert.Equal(t, int32(1), calls.Load())

	record, err := f.store.Get(context.Background(), intent.DeriveID(raw))
	require.NoError(t, err)
	assert.Equal(t, replay.StatusFailed, record.Status)
	assert.Equal(t, string(adapter.CodeFailed), record.ErrorCode)
	assert.Equal(t, []xerrors.Code{adapter.CodeFailed}, f.alerts.codes())
}

func TestHandleInvalidPayloadDoesNotAlert(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.router.Handle(context.Background(), envelope(t, intent.ActionLend, "amount:-5,asset:USDC"))
	require.Error(t, err)
	assert.Equal(t, adapter.CodeInvalidPayload, xerrors.CodeOf(err))
	assert.Empty(t, f.alerts.codes())
	assert.Zero(t, f.invoker.calls.Load())
}

func TestHandleIgnoresCallerCancellationAfterReserve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observed := make(chan error, 1)
	cancelling := adapter.Func(func(execCtx context.Context, req adapter.Request) (*adapter.Outcome, error) {
		cancel()
		observed <- execCtx.Err()
		return &adapter.Outcome{Summary: "done"}, nil
	})
	f := newFixture(t, map[intent.Action]adapter.Adapter{intent.ActionLog: cancelling})
	raw := envelope(t, intent.ActionLog, "note:hi")

	_, err := f.router.Handle(ctx, raw)
	require.NoError(t, err)
	assert.NoError(t, <-observed)

	record, err := f.store.Get(context.Background(), intent.DeriveID(raw))
	require.NoError(t, err)
	assert.Equal(t, replay.StatusSucceeded, record.Status)
}

func TestHandleAdapterTimeout(t *testing.T) {
	blocking := adapter.Func(func(ctx context.Context, _ adapter.Request) (*adapter.Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, map[intent.Action]adapter.Adapter{intent.ActionLog: blocking}, WithAdapterTimeout(20*time.Millisecond))
	raw := envelope(t, intent.ActionLog, "")

	_, err := f.router.Handle(context.Background(), raw)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))

	record, err := f.store.Get(context.Background(), intent.DeriveID(raw))
	require.NoError(t, err)
	assert.Equal(t, string(xerrors.CodeTimeout), record.ErrorCode)
}

func TestHandleAdapterPanicFinalizesFailed(t *testing.T) {
	panicking := adapter.Func(func(context.Context, adapter.Request) (*adapter.Outcome, error) {
		panic("boom")
	})
	f := newFixture(t, map[intent.Action]adapter.Adapter{intent.ActionLog: panicking})
	raw := envelope(t, intent.ActionLog, "x:y")

	_, err := f.router.Handle(context.Background(), raw)
	require.Error(t, err)
	assert.Equal(t, adapter.CodeFailed, xerrors.CodeOf(err))

	record, err := f.store.Get(context.Background(), intent.DeriveID(raw))
	require.NoError(t, err)
	assert.Equal(t, replay.StatusFailed, record.Status)
}

type countingFinalizeStore struct {
	*replay.MemoryStore
	finalized atomic.Int32
}

func (s *countingFinalizeStore) Finalize(ctx context.Context, id string, c replay.Completion) error {
	s.finalized.Add(1)
	return s.MemoryStore.Finalize(ctx, id, c)
}

// stuckAdapter ignores its context and only returns once released.
type stuckAdapter struct {
	entered  chan struct{}
	release  chan struct{}
	returned chan struct{}
}

func newStuckAdapter() *stuckAdapter {
	return &stuckAdapter{entered: make(chan struct{}), release: make(chan struct{}), returned: make(chan struct{})}
}

func (a *stuckAdapter) Execute(context.Context, adapter.Request) (*adapter.Outcome, error) {
	close(a.entered)
	defer close(a.returned)
	<-a.release
	return &adapter.Outcome{Summary: "late"}, nil
}

func newStuckRouter(t *testing.T, stuck *stuckAdapter, timeout time.Duration) (*Router, *countingFinalizeStore) {
	t.Helper()
	builder := registry.NewBuilder()
	require.NoError(t, builder.Register(intent.ActionLog, stuck))
	store := &countingFinalizeStore{MemoryStore: replay.NewMemoryStore()}
	r, err := New(store, builder.Build(), WithRecorder(metrics.NewCollector()), WithAdapterTimeout(timeout))
	require.NoError(t, err)
	return r, store
}

func TestHandleTimeoutIsBindingWhenAdapterIgnoresContext(t *testing.T) {
	stuck := newStuckAdapter()
	r, store := newStuckRouter(t, stuck, 50*time.Millisecond)
	raw := envelope(t, intent.ActionLog, "note:slow")
	id := intent.DeriveID(raw)

	started := time.Now()
	_, err := r.Handle(context.Background(), raw)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	assert.Less(t, time.Since(started), time.Second)

	record, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, replay.StatusFailed, record.Status)
	assert.Equal(t, string(xerrors.CodeTimeout), record.ErrorCode)

	// The sweeper runs past the pending timeout while the adapter is still stuck.
	sweeper := replay.NewSweeper(store, time.Second,
		replay.WithSweepClock(func() time.Time { return time.Now().Add(time.Hour) }))
	expired, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, expired)

	close(stuck.release)
	<-stuck.returned
	time.Sleep(20 * time.Millisecond)

	record, err = store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(xerrors.CodeTimeout), record.ErrorCode, "late result is dropped")
	assert.Equal(t, int32(1), store.finalized.Load())
}

func TestSweeperLeavesLiveDispatchAlone(t *testing.T) {
	stuck := newStuckAdapter()
	r, store := newStuckRouter(t, stuck, 5*time.Second)
	raw := envelope(t, intent.ActionLog, "note:live")
	id := intent.DeriveID(raw)

	type result struct {
		out *adapter.Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := r.Handle(context.Background(), raw)
		done <- result{out, err}
	}()
	<-stuck.entered

	expired, err := replay.NewSweeper(store, time.Minute).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, expired)
	record, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, replay.StatusPending, record.Status)

	close(stuck.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "late", res.out.Summary)

	record, err = store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, replay.StatusSucceeded, record.Status)
	assert.Equal(t, int32(1), store.finalized.Load())
}

func TestHandleMarksErrorsAfterReserveAsConsumed(t *testing.T) {
	unavailable := adapter.Func(func(context.Context, adapter.Request) (*adapter.Outcome, error) {
		return nil, xerrors.New(adapter.CodeUnavailable, "breaker open")
	})
	f := newFixture(t, map[intent.Action]adapter.Adapter{intent.ActionSwap: unavailable})

	_, err := f.router.Handle(context.Background(), envelope(t, intent.ActionSwap, "amount:1"))
	require.Error(t, err)
	assert.True(t, replay.IsConsumed(err))
	assert.True(t, xerrors.RetryableError(err))
	assert.Equal(t, StateFailed, TerminalState(err))

	_, err = f.router.Handle(context.Background(), envelope(t, intent.Action("UNKNOWN"), "x:y"))
	assert.True(t, replay.IsConsumed(err))
	assert.Equal(t, StateRejectedUnknownAction, TerminalState(err))

	_, err = f.router.Handle(context.Background(), []byte{1, 4, 'L'})
	assert.False(t, replay.IsConsumed(err), "codec rejections never reserve")
}

func TestHandleAuditsSource(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, nil, WithAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

	_, err := f.router.HandleMessage(context.Background(), intent.Message{
		Body:   envelope(t, intent.ActionLend, "amount:100,asset:USDC"),
		Source: "http:bridge",
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"msg":"intent_terminal"`)
	assert.Contains(t, buf.String(), `"source":"http:bridge"`)
}

type failingFinalizeStore struct {
	*replay.MemoryStore
}

func (s failingFinalizeStore) Finalize(context.Context, string, replay.Completion) error {
	return xerrors.New(xerrors.CodeStorageFailure, "connection reset")
}

func TestHandleFinalizeFailureSurfaces(t *testing.T) {
	builder := registry.NewBuilder()
	require.NoError(t, builder.Register(intent.ActionLog, adapter.NewLogAdapter()))
	alerts := &recordingAlerts{}
	store := failingFinalizeStore{replay.NewMemoryStore()}
	r, err := New(store, builder.Build(), WithAlerts(alerts), WithRecorder(metrics.NewCollector()))
	require.NoError(t, err)

	raw := envelope(t, intent.ActionLog, "x:y")
	out, err := r.Handle(context.Background(), raw)
	require.Error(t, err)
	assert.NotNil(t, out, "adapter outcome is still reported")
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	assert.Equal(t, []xerrors.Code{xerrors.CodeStorageFailure}, alerts.codes())

	record, err := store.Get(context.Background(), intent.DeriveID(raw))
	require.NoError(t, err)
	assert.Equal(t, replay.StatusPending, record.Status, "left for the sweeper")
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, registry.NewBuilder().Build())
	assert.Error(t, err)
	_, err = New(replay.NewMemoryStore(), nil)
	assert.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateSucceeded, StateFailed, StateRejectedCodec, StateRejectedReplay, StateRejectedUnknownAction} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateReceived, StateDecoded, StateReserved, StateDispatched} {
		assert.False(t, s.Terminal(), s)
	}
}
