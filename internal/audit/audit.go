// Package audit records every file retrieval as one JSON object per line.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Results written to Entry.Result.
const (
	ResultAllowed  = "allowed"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

type Logger struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	enabled bool
}

type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Operator  string    `json:"operator"`
	Action    string    `json:"action"`
	Path      string    `json:"path"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
	SourceIP  string    `json:"source_ip,omitempty"`
}

// New opens logPath for appending. An empty logPath yields a disabled Logger
// whose Log is a no-op.
func New(logPath string) (*Logger, error) {
	if logPath == "" {
		return &Logger{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{w: f, closer: f, enabled: true}, nil
}

// NewWriter logs to w. The caller owns w.
func NewWriter(w io.Writer) *Logger {
	return &Logger{w: w, enabled: true}
}

// Enabled reports whether entries are written anywhere.
func (l *Logger) Enabled() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

type sourceKey struct{}

// WithSource attaches the client address to ctx for Log to pick up.
func WithSource(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, sourceKey{}, addr)
}

// Log writes entry, filling in the ID, timestamp and source address when unset.
func (l *Logger) Log(ctx context.Context, entry *Entry) error {
	if l == nil {
		return nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.SourceIP == "" {
		if addr, ok := ctx.Value(sourceKey{}).(string); ok {
			entry.SourceIP = addr
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.enabled = false
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
