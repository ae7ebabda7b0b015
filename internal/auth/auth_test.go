package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	t.Setenv("HUB_BRIDGE_KEY", "bridge-secret")
	readerDigest := sha256.Sum256([]byte("reader-secret"))
	svc, err := NewService([]KeyConfig{
		{Name: "bridge", KeyEnv: "HUB_BRIDGE_KEY", Permissions: []string{PermissionSubmit, PermissionRead}},
		{Name: "dashboard", KeySHA256: hex.EncodeToString(readerDigest[:]), Permissions: []string{PermissionRead}},
		{Name: "retired", KeySHA256: hex.EncodeToString(make([]byte, 32)), Permissions: []string{"*"}, Disabled: true},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)

	subject, err := svc.AuthenticateRequest("Bearer bridge-secret", "")
	if err != nil || subject.Name != "bridge" {
		t.Fatalf("expected bridge subject, got %+v (%v)", subject, err)
	}
	subject, err = svc.AuthenticateRequest("", "reader-secret")
	if err != nil || subject.Name != "dashboard" {
		t.Fatalf("expected dashboard subject via header, got %+v (%v)", subject, err)
	}
	if _, err := svc.AuthenticateRequest("Basic abc", ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer nope", ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestNewServiceValidation(t *testing.T) {
	cases := map[string][]KeyConfig{
		"missing name":   {{KeySHA256: hex.EncodeToString(make([]byte, 32))}},
		"duplicate name": {{Name: "a", KeySHA256: hex.EncodeToString(make([]byte, 32))}, {Name: "a", KeySHA256: hex.EncodeToString(make([]byte, 32))}},
		"short digest":   {{Name: "a", KeySHA256: "abcd"}},
		"no key source":  {{Name: "a"}},
		"unset env":      {{Name: "a", KeyEnv: "HUB_UNSET_KEY_FOR_TEST"}},
	}
	for name, keys := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewService(keys); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	svc, err := NewService(nil)
	if err != nil || svc.Enabled() {
		t.Fatalf("expected disabled service, got enabled=%v err=%v", svc.Enabled(), err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: DefaultPermissions()})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = SubjectFromContext(r.Context())
			w.WriteHeader(http.StatusAccepted)
		}))

	cases := []struct {
		name   string
		method string
		key    string
		status int
		caller string
	}{
		{"no key", http.MethodGet, "", http.StatusUnauthorized, ""},
		{"reader lists", http.MethodGet, "reader-secret", http.StatusAccepted, "dashboard"},
		{"reader cannot submit", http.MethodPost, "reader-secret", http.StatusForbidden, ""},
		{"bridge submits", http.MethodPost, "bridge-secret", http.StatusAccepted, "bridge"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(tc.method, "/api/v1/intents", nil)
			if tc.key != "" {
				req.Header.Set(HeaderAPIKey, tc.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if tc.caller != "" && (seen == nil || seen.Name != tc.caller) {
				t.Fatalf("expected caller %s in context, got %+v", tc.caller, seen)
			}
		})
	}
}

func TestCallerName(t *testing.T) {
	if got := CallerName(context.Background()); got != "" {
		t.Fatalf("anonymous context should have no caller, got %q", got)
	}
	if got := CallerName(WithSubject(context.Background(), nil)); got != "" {
		t.Fatalf("nil subject should not be stored, got %q", got)
	}
	ctx := WithSubject(context.Background(), &Subject{Name: "bridge"})
	if got := CallerName(ctx); got != "bridge" {
		t.Fatalf("expected bridge, got %q", got)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, _ := NewService(nil)
	called := false
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	if !called {
		t.Fatal("expected request to reach handler")
	}
}

func TestSubjectAuthorize(t *testing.T) {
	admin := &Subject{Name: "ops", Permissions: []string{"*"}}
	if err := admin.Authorize(PermissionSubmit, PermissionRead); err != nil {
		t.Fatalf("wildcard should grant all: %v", err)
	}
	reader := &Subject{Name: "r", Permissions: []string{" Intents:Read "}}
	if !reader.HasPermission(PermissionRead) {
		t.Fatal("permissions should be case and space insensitive")
	}
	if err := reader.Authorize(PermissionSubmit); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := (&Subject{Disabled: true}).Authorize(); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
}
