package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"IntentHub/internal/adapter"
	"IntentHub/internal/auth"
	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/internal/observability/metrics"
	"IntentHub/internal/registry"
	"IntentHub/internal/replay"
	"IntentHub/internal/router"
)

type testServer struct {
	handler   http.Handler
	store     *replay.MemoryStore
	collector *metrics.Collector
	swapCalls *atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	var swapCalls atomic.Int32
	builder := registry.NewBuilder()
	mustRegister(t, builder, intent.ActionLog, adapter.NewLogAdapter())
	mustRegister(t, builder, intent.ActionSwap, adapter.Func(func(context.Context, adapter.Request) (*adapter.Outcome, error) {
		swapCalls.Add(1)
		return nil, xerrors.New(adapter.CodeFailed, "swap reverted")
	}))
	mustRegister(t, builder, intent.ActionLend, adapter.WithBreaker("LEND", adapter.NewLogAdapter(), adapter.BreakerConfig{}))
	actions := builder.Build()

	store := replay.NewMemoryStore()
	collector := metrics.NewCollector()
	r, err := router.New(store, actions, router.WithRecorder(collector))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	server := NewServer(":0", r, store, WithRegistry(actions), WithCollector(collector), WithMaxPayload(256))
	return &testServer{handler: server.Handler(), store: store, collector: collector, swapCalls: &swapCalls}
}

func mustRegister(t *testing.T, b *registry.Builder, action intent.Action, a adapter.Adapter) {
	t.Helper()
	if err := b.Register(action, a); err != nil {
		t.Fatalf("register %s: %v", action, err)
	}
}

func encode(t *testing.T, action intent.Action, payload string) []byte {
	t.Helper()
	raw, err := intent.NewCodec().Encode(intent.Intent{Action: action, Version: 1, Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeSubmit(t *testing.T, rec *httptest.ResponseRecorder) submitResponse {
	t.Helper()
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestSubmitStatusMapping(t *testing.T) {
	s := newTestServer(t)
	logEnvelope := encode(t, intent.ActionLog, "note:hello")

	cases := []struct {
		name   string
		body   []byte
		header map[string]string
		status int
		state  router.State
		code   xerrors.Code
	}{
		{"success", logEnvelope, nil, http.StatusOK, router.StateSucceeded, ""},
		{"duplicate", logEnvelope, nil, http.StatusConflict, router.StateRejectedReplay, replay.CodeDuplicate},
		{"codec", logEnvelope[:5], nil, http.StatusBadRequest, router.StateRejectedCodec, intent.CodeTruncated},
		{"unknown action", encode(t, "UNKNOWN", ""), nil, http.StatusUnprocessableEntity, router.StateRejectedUnknownAction, router.CodeUnknownAction},
		{"adapter failure", encode(t, intent.ActionSwap, "amount:1"), nil, http.StatusBadGateway, router.StateFailed, adapter.CodeFailed},
		{"id too long", encode(t, intent.ActionLog, "x:1"), map[string]string{HeaderIntentID: strings.Repeat("a", replay.MaxIDLen+1)}, http.StatusBadRequest, router.StateFailed, xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/intents", tc.body, tc.header)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			resp := decodeSubmit(t, rec)
			if resp.State != tc.state || resp.Code != tc.code {
				t.Fatalf("unexpected response %+v", resp)
			}
			if rec.Header().Get(HeaderRequestID) == "" {
				t.Fatalf("expected request id header")
			}
		})
	}
	if got := s.swapCalls.Load(); got != 1 {
		t.Fatalf("expected swap adapter to run once, got %d", got)
	}
}

func TestSubmitUsesIntentIDHeader(t *testing.T) {
	s := newTestServer(t)
	body := encode(t, intent.ActionLog, "note:hello")

	rec := s.do(t, http.MethodPost, "/api/v1/intents", body, map[string]string{HeaderIntentID: "bridge-7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	resp := decodeSubmit(t, rec)
	if resp.IntentID != "bridge-7" || resp.Outcome == nil || resp.Outcome.Action != intent.ActionLog {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/intents/bridge-7", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected detail status %d", rec.Code)
	}
	var record replay.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.Status != replay.StatusSucceeded || record.Action != intent.ActionLog {
		t.Fatalf("unexpected record %+v", record)
	}

	// Same bytes under a different id are a different intent.
	rec = s.do(t, http.MethodPost, "/api/v1/intents", body, map[string]string{HeaderIntentID: "bridge-8"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected second id to succeed, got %d", rec.Code)
	}
	// Without a header the id is derived from the bytes.
	rec = s.do(t, http.MethodPost, "/api/v1/intents", body, nil)
	if resp := decodeSubmit(t, rec); resp.IntentID != intent.DeriveID(body) {
		t.Fatalf("expected derived id, got %q", resp.IntentID)
	}
}

func TestSubmitBodyTooLarge(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/intents", make([]byte, 256+envelopeOverhead+1), nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestListStatsAndDetail(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if err := s.store.Reserve(ctx, "a", intent.ActionLend); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.store.Reserve(ctx, "b", intent.ActionSwap); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.store.Finalize(ctx, "b", replay.Failed(adapter.CodeFailed, "reverted")); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/intents?status=failed&limit=5", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected list status %d: %s", rec.Code, rec.Body.String())
	}
	var list listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 || list.Records[0].ID != "b" {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/intents/stats", nil, nil)
	var stats replay.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	for path, want := range map[string]int{
		"/api/v1/intents/missing":         http.StatusNotFound,
		"/api/v1/intents/":                http.StatusBadRequest,
		"/api/v1/intents?status=unknown":  http.StatusBadRequest,
		"/api/v1/intents?limit=-1":        http.StatusBadRequest,
		"/api/v1/intents?order=sideways":  http.StatusBadRequest,
		"/api/v1/intents?since=yesterday": http.StatusBadRequest,
	} {
		if rec := s.do(t, http.MethodGet, path, nil, nil); rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rec.Code)
		}
	}
	if rec := s.do(t, http.MethodDelete, "/api/v1/intents/a", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/intents", encode(t, intent.ActionLog, "a:b"), nil)

	rec := s.do(t, http.MethodGet, "/healthz", nil, nil)
	var health healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || len(health.Actions) != 3 || health.Breakers["LEND"] != "closed" {
		t.Fatalf("unexpected health %+v", health)
	}

	rec = s.do(t, http.MethodGet, "/metrics", nil, nil)
	body := rec.Body.String()
	for _, want := range []string{
		`intenthub_intents_total{action="LOG",outcome="succeeded"} 1`,
		`intenthub_http_requests_total{handler="/api/v1/intents",method="POST",code="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in metrics:\n%s", want, body)
		}
	}
}

func TestAPIKeysGuardIntentRoutes(t *testing.T) {
	t.Setenv("HUB_API_TEST_KEY", "k-submit")
	svc, err := auth.NewService([]auth.KeyConfig{
		{Name: "bridge", KeyEnv: "HUB_API_TEST_KEY", Permissions: []string{auth.PermissionSubmit}},
	})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	store := replay.NewMemoryStore()
	builder := registry.NewBuilder()
	mustRegister(t, builder, intent.ActionLog, adapter.NewLogAdapter())
	r, err := router.New(store, builder.Build(), router.WithRecorder(metrics.NewCollector()))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	s := &testServer{
		handler: NewServer(":0", r, store, WithCollector(metrics.NewCollector()), WithAuth(svc)).Handler(),
		store:   store,
	}

	envelope := encode(t, intent.ActionLog, "a:b")
	if rec := s.do(t, http.MethodPost, "/api/v1/intents", envelope, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if _, err := store.Get(context.Background(), intent.DeriveID(envelope)); err == nil {
		t.Fatalf("unauthenticated submission must not reserve the id")
	}
	rec := s.do(t, http.MethodPost, "/api/v1/intents", envelope, map[string]string{"Authorization": "Bearer k-submit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/intents", nil, map[string]string{auth.HeaderAPIKey: "k-submit"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without read permission, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
}

type routerFunc func(ctx context.Context, msg intent.Message) (*adapter.Outcome, error)

func (f routerFunc) HandleMessage(ctx context.Context, msg intent.Message) (*adapter.Outcome, error) {
	return f(ctx, msg)
}

func TestSubmitRetryHintsAndSource(t *testing.T) {
	t.Setenv("HUB_API_TEST_KEY", "k-submit")
	svc, err := auth.NewService([]auth.KeyConfig{
		{Name: "bridge", KeyEnv: "HUB_API_TEST_KEY", Permissions: []string{auth.PermissionSubmit}},
	})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}

	var seen intent.Message
	var routeErr error
	r := routerFunc(func(_ context.Context, msg intent.Message) (*adapter.Outcome, error) {
		seen = msg
		return nil, routeErr
	})
	s := &testServer{handler: NewServer(":0", r, replay.NewMemoryStore(), WithCollector(metrics.NewCollector()), WithAuth(svc)).Handler()}
	header := map[string]string{auth.HeaderAPIKey: "k-submit"}

	routeErr = replay.MarkConsumed("0x01", xerrors.New(adapter.CodeUnavailable, "breaker open"))
	rec := s.do(t, http.MethodPost, "/api/v1/intents", []byte{1}, header)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	resp := decodeSubmit(t, rec)
	if resp.Retryable || !resp.RetryWithNewID {
		t.Fatalf("consumed id must not be reported as retryable as-is: %+v", resp)
	}
	if seen.Source != "http:bridge" {
		t.Fatalf("expected caller in message source, got %q", seen.Source)
	}

	routeErr = xerrors.New(xerrors.CodeStorageFailure, "replay store down")
	resp = decodeSubmit(t, s.do(t, http.MethodPost, "/api/v1/intents", []byte{1}, header))
	if !resp.Retryable || resp.RetryWithNewID {
		t.Fatalf("failure before reservation is retryable with the same id: %+v", resp)
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	server := NewServer("127.0.0.1:0", nil, replay.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
