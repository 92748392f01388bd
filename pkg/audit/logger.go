// Package audit records workflow actions append-only. Two sinks are
// provided: a JSON line writer and a SQL-backed store. Appending is
// best-effort by contract; callers never roll back on audit failure.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accredo/evidence-backend/pkg/workflow"
)

// Event is the persisted form of one audit record.
type Event struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	EvidenceID string         `json:"evidence_id"`
	Action     string         `json:"action"`
	Outcome    string         `json:"outcome"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func newEvent(rec workflow.AuditRecord) Event {
	return Event{
		ID:         uuid.New().String(),
		ActorID:    rec.ActorID,
		EvidenceID: rec.EvidenceID,
		Action:     rec.Action,
		Outcome:    rec.Outcome,
		Detail:     rec.Detail,
		Timestamp:  time.Now().UTC(),
	}
}

// WriterLogger implements workflow.AuditLogger, writing one JSON line per
// event to a configurable writer.
type WriterLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterLogger creates a logger writing to w; nil defaults to stdout.
func NewWriterLogger(w io.Writer) *WriterLogger {
	if w == nil {
		w = os.Stdout
	}
	return &WriterLogger{writer: w}
}

// Append implements workflow.AuditLogger.
func (l *WriterLogger) Append(ctx context.Context, rec workflow.AuditRecord) error {
	_ = ctx
	event := newEvent(rec)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix for easy filtering in mixed log streams.
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(b, '\n')...))
	return err
}

// Fanout appends to several loggers, returning the first error but always
// attempting every sink.
type Fanout []workflow.AuditLogger

// Append implements workflow.AuditLogger.
func (f Fanout) Append(ctx context.Context, rec workflow.AuditRecord) error {
	var first error
	for _, l := range f {
		if err := l.Append(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
