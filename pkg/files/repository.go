// Package files provides the file-descriptor repository consumed by the
// workflow. Only descriptors (id, name, MIME type) live here; blob storage
// and rendering are external concerns.
package files

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/accredo/evidence-backend/pkg/workflow"
)

// SQLRepository implements workflow.FileRepository over database/sql.
// The SQL is placeholder-portable between SQLite and Postgres via rebind.
type SQLRepository struct {
	db     *sql.DB
	rebind func(string) string
}

// NewSQLRepository migrates the schema and returns the repository.
// postgres selects $n placeholders instead of ?.
func NewSQLRepository(db *sql.DB, postgres bool) (*SQLRepository, error) {
	r := &SQLRepository{db: db, rebind: rebindNone}
	if postgres {
		r.rebind = rebindDollar
	}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLRepository) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence_files (
		id TEXT PRIMARY KEY,
		evidence_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_files_evidence ON evidence_files(evidence_id);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// Attach registers a file descriptor for an evidence and returns its id.
func (r *SQLRepository) Attach(ctx context.Context, evidenceID string, fd workflow.FileDescriptor) (string, error) {
	if fd.ID == "" {
		fd.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx,
		r.rebind(`INSERT INTO evidence_files (id, evidence_id, name, mime_type) VALUES (?, ?, ?, ?)`),
		fd.ID, evidenceID, fd.Name, fd.MimeType,
	)
	if err != nil {
		return "", fmt.Errorf("attach file to %s: %w", evidenceID, err)
	}
	return fd.ID, nil
}

// ListFiles implements workflow.FileRepository.
func (r *SQLRepository) ListFiles(ctx context.Context, evidenceID string) ([]workflow.FileDescriptor, error) {
	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT id, name, mime_type FROM evidence_files WHERE evidence_id = ? ORDER BY id`),
		evidenceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list files of %s: %w", evidenceID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []workflow.FileDescriptor
	for rows.Next() {
		var fd workflow.FileDescriptor
		if err := rows.Scan(&fd.ID, &fd.Name, &fd.MimeType); err != nil {
			return nil, err
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

// ListForEvidences implements workflow.FileRepository for listing pages.
func (r *SQLRepository) ListForEvidences(ctx context.Context, evidenceIDs []string) (map[string][]workflow.FileDescriptor, error) {
	out := make(map[string][]workflow.FileDescriptor, len(evidenceIDs))
	if len(evidenceIDs) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(evidenceIDs))
	args := make([]any, len(evidenceIDs))
	for i, id := range evidenceIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := r.rebind(`SELECT evidence_id, id, name, mime_type FROM evidence_files WHERE evidence_id IN (` +
		strings.Join(placeholders, ", ") + `)`)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var evidenceID string
		var fd workflow.FileDescriptor
		if err := rows.Scan(&evidenceID, &fd.ID, &fd.Name, &fd.MimeType); err != nil {
			return nil, err
		}
		out[evidenceID] = append(out[evidenceID], fd)
	}
	return out, rows.Err()
}

func rebindNone(q string) string { return q }

// rebindDollar rewrites ? placeholders to $1..$n for lib/pq.
func rebindDollar(q string) string {
	var b strings.Builder
	n := 0
	for _, ch := range q {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
