// Package audit writes the append-only audit trail as JSON lines.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"netconverge/internal/domain"
	"netconverge/internal/infra/tracer"
)

const maxLine = 1 << 20

// FileLogger implements domain.AuditLogger by appending JSONL to a file.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	maxAge time.Duration
}

// NewFileLogger opens path for appending, creating it with 0600 permissions.
// A positive maxAge enables EnforceRetention.
func NewFileLogger(path string, maxAge time.Duration) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLogger{file: f, path: path, maxAge: maxAge}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// Log writes one event as a single JSON line and mirrors it onto the active
// span, if any.
func (a *FileLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("audit.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("audit.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+1)
		if event.RequestID != "" {
			attrs = append(attrs, tracer.KeyRequestID.String(event.RequestID))
		}
		for k, v := range event.Detail {
			attrs = append(attrs, attribute.String("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the underlying file.
func (a *FileLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention drops entries older than the configured age by rewriting
// the file. Lines that cannot be parsed are kept.
func (a *FileLogger) EnforceRetention() (removed int, err error) {
	if a.maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-a.maxAge)

	a.mu.Lock()
	defer a.mu.Unlock()

	kept, removed, err := readKept(a.path, cutoff)
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, kept, 0o600); err != nil {
		return 0, fmt.Errorf("write audit temp file: %w", err)
	}
	if err := a.file.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close audit log: %w", err)
	}
	renameErr := os.Rename(tmp, a.path)
	if renameErr != nil {
		os.Remove(tmp)
	}
	a.file, err = openAppend(a.path)
	if err != nil {
		return 0, fmt.Errorf("reopen audit log: %w", err)
	}
	if renameErr != nil {
		return 0, fmt.Errorf("replace audit log: %w", renameErr)
	}
	return removed, nil
}

func readKept(path string, cutoff time.Time) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var (
		kept    []byte
		removed int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, line...)
		kept = append(kept, '\n')
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, removed, nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(context.Context, domain.AuditEvent) error { return nil }
func (Nop) Close() error                                 { return nil }

var (
	_ domain.AuditLogger = (*FileLogger)(nil)
	_ domain.AuditLogger = Nop{}
)
