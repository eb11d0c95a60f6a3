// Package audit implements the append-only JSONL decision log every broker
// operation writes to, exactly once, in arrival order.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"agenshield/internal/model"
	"agenshield/internal/storage"
)

// Result classifies the outcome of an operation for the audit trail.
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Entry is one line of the audit log.
type Entry struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Operation    model.OperationKind    `json:"operation"`
	Channel      model.Channel          `json:"channel"`
	ClientUID    *int                   `json:"client_uid,omitempty"`
	Allowed      bool                   `json:"allowed"`
	PolicyID     string                 `json:"policy_id,omitempty"`
	Target       string                 `json:"target,omitempty"`
	Result       Result                 `json:"result"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Log is the append-only sink. A single *Log is safe for concurrent use;
// writes are serialized so that arrival order is preserved within a
// connection and across connections.
type Log struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	maxBytes    int64
	size        int64
	redactor    Redactor
	index       *storage.Store // optional queryable projection, never authoritative
	minLevel    slog.Level     // gates debug/info only; warn/error are always written
}

// Option configures a Log at construction.
type Option func(*Log)

// WithMaxBytes sets the rotation threshold. Zero disables rotation.
func WithMaxBytes(n int64) Option {
	return func(l *Log) { l.maxBytes = n }
}

// WithIndex attaches an optional queryable projection store.
func WithIndex(s *storage.Store) Option {
	return func(l *Log) { l.index = s }
}

// WithMinLevel sets the minimum level at which info/debug-severity entries
// are persisted. warn/error entries are always written regardless.
func WithMinLevel(level slog.Level) Option {
	return func(l *Log) { l.minLevel = level }
}

// Open opens (creating if absent) the JSONL file at path for appending.
func Open(path string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit log: %w", err)
	}

	l := &Log{
		path:     path,
		file:     f,
		size:     info.Size(),
		redactor: NewRedactor(),
		maxBytes: 100 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Write appends entry as one JSON line. It never drops the decision path:
// a failure to write to disk falls back to stderr, logged at error level.
// The entry's metadata is redacted in place before serialization so a
// caller can never accidentally leak a secret value through an audit
// record, only its name (see Entry.Metadata callers in internal/secrets).
func (l *Log) Write(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.ErrorMessage = l.redactor.Redact(e.ErrorMessage)
	for k, v := range e.Metadata {
		if s, ok := v.(string); ok {
			e.Metadata[k] = l.redactor.Redact(s)
		}
	}

	line, err := json.Marshal(e)
	if err != nil {
		slog.Error("audit entry marshal failed", "error", err, "id", e.ID)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxBytes > 0 && l.size+int64(len(line)) > l.maxBytes {
		l.rotateLocked()
	}

	n, err := l.file.Write(line)
	if err != nil {
		slog.Error("audit log write failed, falling back to stderr", "error", err)
		os.Stderr.Write(line)
		return
	}
	l.size += int64(n)

	if l.index != nil {
		l.index.RecordEvent(storage.EventRecord{
			ID:         e.ID,
			Timestamp:  e.Timestamp,
			Type:       string(e.Operation),
			Operation:  string(e.Operation),
			Channel:    string(e.Channel),
			Allowed:    e.Allowed,
			PolicyID:   e.PolicyID,
			Target:     e.Target,
			Result:     string(e.Result),
			DurationMs: e.DurationMs,
		})
	}
}

// rotateLocked renames the current file aside and opens a fresh one. The
// caller must hold l.mu.
func (l *Log) rotateLocked() {
	l.file.Close()
	rotated := fmt.Sprintf("%s.%d", l.path, time.Now().UnixNano())
	if err := os.Rename(l.path, rotated); err != nil {
		slog.Error("audit log rotation failed", "error", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		slog.Error("audit log reopen after rotation failed", "error", err)
		return
	}
	l.file = f
	l.size = 0
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// FromHandlerResult is a convenience constructor used by handlers to turn
// their outcome directly into an audit Entry.
func FromHandlerResult(ctx model.HandlerContext, allowed bool, policyID, target string, err error, durationMs int64, metadata map[string]interface{}) Entry {
	result := ResultSuccess
	errMsg := ""
	if err != nil {
		result = ResultError
		errMsg = err.Error()
		if me, ok := err.(*model.Error); ok && me.Kind == model.KindPolicy {
			result = ResultDenied
		}
	} else if !allowed {
		result = ResultDenied
	}

	var uid *int
	if ctx.Creds != nil {
		u := ctx.Creds.UID
		uid = &u
	}

	return Entry{
		Operation:    ctx.Operation,
		Channel:      ctx.Channel,
		ClientUID:    uid,
		Allowed:      allowed,
		PolicyID:     policyID,
		Target:       target,
		Result:       result,
		ErrorMessage: errMsg,
		DurationMs:   durationMs,
		Metadata:     metadata,
	}
}
