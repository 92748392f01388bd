package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/accredo/evidence-backend/pkg/workflow"
)

// StoreLogger implements workflow.AuditLogger backed by a SQL table, so the
// trail survives restarts and is queryable per evidence.
type StoreLogger struct {
	db       *sql.DB
	postgres bool
}

// NewStoreLogger migrates the schema and returns the logger.
func NewStoreLogger(db *sql.DB, postgres bool) (*StoreLogger, error) {
	l := &StoreLogger{db: db, postgres: postgres}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *StoreLogger) migrate() error {
	ts := "TEXT"
	if l.postgres {
		ts = "TIMESTAMPTZ"
	}
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		evidence_id TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		created_at %s
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_evidence ON audit_events(evidence_id);`, ts)
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append implements workflow.AuditLogger.
func (l *StoreLogger) Append(ctx context.Context, rec workflow.AuditRecord) error {
	event := newEvent(rec)
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return err
	}

	query := `INSERT INTO audit_events (id, actor_id, evidence_id, action, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	var createdAt any = event.Timestamp.Format(time.RFC3339Nano)
	if l.postgres {
		query = `INSERT INTO audit_events (id, actor_id, evidence_id, action, outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
		createdAt = event.Timestamp
	}
	_, err = l.db.ExecContext(ctx, query,
		event.ID, event.ActorID, event.EvidenceID, event.Action, event.Outcome, string(detail), createdAt,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListForEvidence returns the newest events for one evidence, most recent
// first.
func (l *StoreLogger) ListForEvidence(ctx context.Context, evidenceID string, limit int) ([]Event, error) {
	if limit < 1 {
		limit = 50
	}
	query := `SELECT id, actor_id, evidence_id, action, outcome, detail, created_at
		FROM audit_events WHERE evidence_id = ? ORDER BY created_at DESC LIMIT ?`
	if l.postgres {
		query = `SELECT id, actor_id, evidence_id, action, outcome, detail, created_at
		FROM audit_events WHERE evidence_id = $1 ORDER BY created_at DESC LIMIT $2`
	}
	rows, err := l.db.QueryContext(ctx, query, evidenceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			detail sql.NullString
			raw    any
		)
		var ts sql.NullString
		var tt sql.NullTime
		if l.postgres {
			raw = &tt
		} else {
			raw = &ts
		}
		if err := rows.Scan(&e.ID, &e.ActorID, &e.EvidenceID, &e.Action, &e.Outcome, &detail, raw); err != nil {
			return nil, err
		}
		if detail.Valid && detail.String != "" {
			_ = json.Unmarshal([]byte(detail.String), &e.Detail)
		}
		if l.postgres {
			if tt.Valid {
				e.Timestamp = tt.Time.UTC()
			}
		} else if ts.Valid {
			if t, err := time.Parse(time.RFC3339Nano, ts.String); err == nil {
				e.Timestamp = t
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
