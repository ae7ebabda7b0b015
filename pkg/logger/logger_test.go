package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestAuditLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "intents.log")
	audit, err := buildAuditLogger(AuditConfig{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("build audit logger: %v", err)
	}
	audit.Info("意图执行成功", slog.String("intent_id", "0xabc"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(content), `"intent_id":"0xabc"`) || !strings.Contains(string(content), `"stream":"audit"`) {
		t.Fatalf("unexpected audit content: %s", content)
	}
}

func TestAuditLoggerRequiresPath(t *testing.T) {
	if _, err := buildAuditLogger(AuditConfig{Enabled: true}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestDefaultLoggersAreUsable(t *testing.T) {
	if L() == nil || Audit() == nil || Named("router") == nil {
		t.Fatalf("expected usable loggers before explicit Init")
	}
}
