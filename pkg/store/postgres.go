package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/accredo/evidence-backend/pkg/workflow"
)

// PostgresStore implements workflow.Store over PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore migrates the schema and returns the store.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidences (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		standard_id TEXT,
		criteria_id TEXT,
		created_by TEXT NOT NULL,
		assigned_to TEXT,
		signing_json JSONB,
		rejected_at TIMESTAMPTZ,
		rejection_reason TEXT,
		completed_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ
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
func (s *PostgresStore) Create(ctx context.Context, ev *workflow.Evidence) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.ID, ev.Title, string(ev.Status), nullable(ev.StandardID), nullable(ev.CriteriaID),
		ev.CreatedBy, nullable(ev.AssignedTo), signing,
		ev.RejectedAt, nullable(ev.RejectionReason), ev.CompletedAt,
		ev.Version, ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return s.replaceSigners(ctx, s.db, ev)
}

// Get implements workflow.Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*workflow.Evidence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidences WHERE id = $1`, id)
	ev, err := scanEvidencePG(row)
	if err == sql.ErrNoRows {
		return nil, workflow.Errf(workflow.KindNotFound, "evidence %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load evidence %s: %w", id, err)
	}
	return ev, nil
}

// Update implements workflow.Store with a compare-and-swap on version.
func (s *PostgresStore) Update(ctx context.Context, ev *workflow.Evidence) error {
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
		SET title = $1, status = $2, standard_id = $3, criteria_id = $4, assigned_to = $5,
			signing_json = $6, rejected_at = $7, rejection_reason = $8, completed_at = $9,
			version = version + 1, updated_at = $10
		WHERE id = $11 AND version = $12`,
		ev.Title, string(ev.Status), nullable(ev.StandardID), nullable(ev.CriteriaID), nullable(ev.AssignedTo),
		signing, ev.RejectedAt, nullable(ev.RejectionReason), ev.CompletedAt,
		ev.UpdatedAt, ev.ID, ev.Version,
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

func (s *PostgresStore) replaceSigners(ctx context.Context, ex execer, ev *workflow.Evidence) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM evidence_signers WHERE evidence_id = $1`, ev.ID); err != nil {
		return err
	}
	if ev.Signing == nil {
		return nil
	}
	for _, sg := range ev.Signing.Signers {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO evidence_signers (evidence_id, user_id, ord, status) VALUES ($1, $2, $3, $4)`,
			ev.ID, sg.UserID, sg.Order, string(sg.Status),
		); err != nil {
			return err
		}
	}
	return nil
}

// List implements workflow.Store.
func (s *PostgresStore) List(ctx context.Context, q workflow.ListQuery) ([]*workflow.Evidence, int, error) {
	where, args := buildListWhere(q, dollarPlaceholders)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidences e`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count evidences: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM evidences e%s ORDER BY e.updated_at DESC LIMIT $%d OFFSET $%d`,
		prefixColumns("e"), where, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list evidences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.Evidence
	for rows.Next() {
		ev, err := scanEvidencePG(rows)
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

func scanEvidencePG(row rowScanner) (*workflow.Evidence, error) {
	var (
		ev              workflow.Evidence
		status          string
		standardID      sql.NullString
		criteriaID      sql.NullString
		assignedTo      sql.NullString
		signingJSON     sql.NullString
		rejectedAt      sql.NullTime
		rejectionReason sql.NullString
		completedAt     sql.NullTime
		createdAt       sql.NullTime
		updatedAt       sql.NullTime
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
	if rejectedAt.Valid {
		t := rejectedAt.Time.UTC()
		ev.RejectedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		ev.CompletedAt = &t
	}
	if createdAt.Valid {
		ev.CreatedAt = createdAt.Time.UTC()
	}
	if updatedAt.Valid {
		ev.UpdatedAt = updatedAt.Time.UTC()
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
