package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"netconverge/internal/infra/config"
)

func TestNewFileJSONLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netconverge.log")
	log, closer, err := New(config.LoggerConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ForRequest(log, "req-1").Debug("state changed", "to", "Diagnosing")
	if err := closer(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, data)
	}
	if entry["service"] != "netconverge" || entry["request_id"] != "req-1" || entry["to"] != "Diagnosing" {
		t.Errorf("unexpected entry: %v", entry)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("log file mode = %o, want 600", perm)
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")
	log, closer, err := New(config.LoggerConfig{Level: "warn", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("dropped")
	log.Warn("kept")
	_ = closer()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), "kept") {
		t.Errorf("unexpected output: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	l := slog.Default()
	if OrDiscard(l) != l {
		t.Error("OrDiscard should return the given logger")
	}
}

func TestOpenOutputBadPath(t *testing.T) {
	_, _, err := New(config.LoggerConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func readEntry(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, data)
	}
	return entry
}

func TestSecretsAreRedacted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redact.log")
	log, closer, err := New(config.LoggerConfig{Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("device bound", "device", "R1", "password", "hunter2", "Community", "public")
	_ = closer()

	entry := readEntry(t, path)
	if entry["password"] != redacted || entry["Community"] != redacted {
		t.Errorf("secrets not redacted: %v", entry)
	}
	if entry["device"] != "R1" {
		t.Errorf("device = %v, want R1", entry["device"])
	}
}

func TestTraceIDsFromContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	log, closer, err := New(config.LoggerConfig{Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b},
		SpanID:     trace.SpanID{0x01},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ForRequest(log, "req-9").InfoContext(ctx, "diagnosing")
	_ = closer()

	entry := readEntry(t, path)
	if entry["trace_id"] != sc.TraceID().String() || entry["span_id"] != sc.SpanID().String() {
		t.Errorf("trace ids missing: %v", entry)
	}
	if entry["request_id"] != "req-9" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
}
