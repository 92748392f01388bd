// Package store persists Evidence aggregates. Two implementations are
// provided: SQLite for single-node and test deployments, Postgres for
// shared deployments. Both enforce optimistic concurrency through a
// version column compared on every write.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/accredo/evidence-backend/pkg/workflow"
)

const evidenceColumns = "id, title, status, standard_id, criteria_id, created_by, assigned_to, signing_json, rejected_at, rejection_reason, completed_at, version, created_at, updated_at"

// SQLiteStore implements workflow.Store over a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the schema and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidences (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		standard_id TEXT,
		criteria_id TEXT,
		created_by TEXT NOT NULL,
		assigned_to TEXT,
		signing_json TEXT,
		rejected_at TEXT,
		rejection_reason TEXT,
		completed_at TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT,
		updated_at TEXT
	);
	CREATE TABLE IF NOT EXISTS evidence_signers (
		evidence_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (evidence_id, ord)
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_signers_user ON evidence_signers(user_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts a fresh aggregate with version 1.
func (s *SQLiteStore) Create(ctx context.Context, ev *workflow.Evidence) error {
	if ev.Status == "" {
		ev.Status = workflow.StatusDraft
	}
	ev.Version = 1
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	signing, err := marshalSigning(ev.Signing)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO evidences (`+evidenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Title, string(ev.Status), nullable(ev.StandardID), nullable(ev.CriteriaID),
		ev.CreatedBy, nullable(ev.AssignedTo), signing,
		nullableTime(ev.RejectedAt), nullable(ev.RejectionReason), nullableTime(ev.CompletedAt),
		ev.Version, formatTime(ev.CreatedAt), formatTime(ev.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return s.replaceSigners(ctx, s.db, ev)
}

// Get implements workflow.Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*workflow.Evidence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidences WHERE id = ?`, id)
	ev, err := scanEvidence(row)
	if err == sql.ErrNoRows {
		return nil, workflow.Errf(workflow.KindNotFound, "evidence %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load evidence %s: %w", id, err)
	}
	return ev, nil
}

// Update implements workflow.Store with a compare-and-swap on version.
func (s *SQLiteStore) Update(ctx context.Context, ev *workflow.Evidence) error {
	signing, err := marshalSigning(ev.Signing)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE evidences
		SET title = ?, status = ?, standard_id = ?, criteria_id = ?, assigned_to = ?,
			signing_json = ?, rejected_at = ?, rejection_reason = ?, completed_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		ev.Title, string(ev.Status), nullable(ev.StandardID), nullable(ev.CriteriaID), nullable(ev.AssignedTo),
		signing, nullableTime(ev.RejectedAt), nullable(ev.RejectionReason), nullableTime(ev.CompletedAt),
		formatTime(ev.UpdatedAt), ev.ID, ev.Version,
	)
	if err != nil {
		return fmt.Errorf("update evidence %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrVersionConflict
	}

	if err := s.replaceSigners(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	ev.Version++
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// replaceSigners refreshes the signer index used for scoped listings.
func (s *SQLiteStore) replaceSigners(ctx context.Context, ex execer, ev *workflow.Evidence) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM evidence_signers WHERE evidence_id = ?`, ev.ID); err != nil {
		return err
	}
	if ev.Signing == nil {
		return nil
	}
	for _, sg := range ev.Signing.Signers {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO evidence_signers (evidence_id, user_id, ord, status) VALUES (?, ?, ?, ?)`,
			ev.ID, sg.UserID, sg.Order, string(sg.Status),
		); err != nil {
			return err
		}
	}
	return nil
}

// List implements workflow.Store.
func (s *SQLiteStore) List(ctx context.Context, q workflow.ListQuery) ([]*workflow.Evidence, int, error) {
	where, args := buildListWhere(q, questionPlaceholders)

	var total int
	countQuery := `SELECT COUNT(*) FROM evidences e` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count evidences: %w", err)
	}

	query := `SELECT ` + prefixColumns("e") + ` FROM evidences e` + where + ` ORDER BY e.updated_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list evidences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.Evidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// placeholderFunc renders the i-th (1-based) SQL placeholder.
type placeholderFunc func(i int) string

func questionPlaceholders(int) string { return "?" }

func dollarPlaceholders(i int) string { return fmt.Sprintf("$%d", i) }

// buildListWhere renders the shared listing predicate for both dialects.
func buildListWhere(q workflow.ListQuery, ph placeholderFunc) (string, []any) {
	var clauses []string
	var args []any
	next := func() string {
		return ph(len(args))
	}

	if q.Status != "" {
		args = append(args, string(q.Status))
		clauses = append(clauses, "e.status = "+next())
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		clauses = append(clauses, "e.title LIKE "+next())
	}
	if q.StandardID != "" {
		args = append(args, q.StandardID)
		clauses = append(clauses, "e.standard_id = "+next())
	}
	if q.CriteriaID != "" {
		args = append(args, q.CriteriaID)
		clauses = append(clauses, "e.criteria_id = "+next())
	}
	if q.ScopeUserID != "" {
		args = append(args, q.ScopeUserID)
		p1 := next()
		args = append(args, q.ScopeUserID)
		p2 := next()
		args = append(args, q.ScopeUserID)
		p3 := next()
		clauses = append(clauses, "(e.created_by = "+p1+" OR e.assigned_to = "+p2+
			" OR EXISTS (SELECT 1 FROM evidence_signers es WHERE es.evidence_id = e.id AND es.user_id = "+p3+"))")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func prefixColumns(alias string) string {
	cols := strings.Split(evidenceColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvidence(row rowScanner) (*workflow.Evidence, error) {
	var (
		ev              workflow.Evidence
		status          string
		standardID      sql.NullString
		criteriaID      sql.NullString
		assignedTo      sql.NullString
		signingJSON     sql.NullString
		rejectedAt      sql.NullString
		rejectionReason sql.NullString
		completedAt     sql.NullString
		createdAt       sql.NullString
		updatedAt       sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.Title, &status, &standardID, &criteriaID, &ev.CreatedBy, &assignedTo,
		&signingJSON, &rejectedAt, &rejectionReason, &completedAt, &ev.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	ev.Status = workflow.EvidenceStatus(status)
	ev.StandardID = standardID.String
	ev.CriteriaID = criteriaID.String
	ev.AssignedTo = assignedTo.String
	ev.RejectionReason = rejectionReason.String
	ev.RejectedAt = parseNullTime(rejectedAt)
	ev.CompletedAt = parseNullTime(completedAt)
	if t := parseNullTime(createdAt); t != nil {
		ev.CreatedAt = *t
	}
	if t := parseNullTime(updatedAt); t != nil {
		ev.UpdatedAt = *t
	}

	if signingJSON.Valid && signingJSON.String != "" {
		var proc workflow.SigningProcess
		if err := json.Unmarshal([]byte(signingJSON.String), &proc); err != nil {
			return nil, fmt.Errorf("decode signing process of %s: %w", ev.ID, err)
		}
		ev.Signing = &proc
	}
	return &ev, nil
}

func marshalSigning(proc *workflow.SigningProcess) (any, error) {
	if proc == nil {
		return nil, nil
	}
	b, err := json.Marshal(proc)
	if err != nil {
		return nil, fmt.Errorf("encode signing process: %w", err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v.String); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, v.String); err == nil {
		return &t
	}
	return nil
}
