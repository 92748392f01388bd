// Package identity resolves user ids against the user directory.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLResolver implements workflow.IdentityResolver over a users table.
type SQLResolver struct {
	db       *sql.DB
	postgres bool
}

// NewSQLResolver migrates the schema and returns the resolver.
func NewSQLResolver(db *sql.DB, postgres bool) (*SQLResolver, error) {
	r := &SQLResolver{db: db, postgres: postgres}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLResolver) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT ''
	);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// Add registers a user (used by provisioning and tests).
func (r *SQLResolver) Add(ctx context.Context, id, displayName, email string) error {
	q := `INSERT INTO users (id, display_name, email) VALUES (?, ?, ?)`
	if r.postgres {
		q = `INSERT INTO users (id, display_name, email) VALUES ($1, $2, $3)`
	}
	_, err := r.db.ExecContext(ctx, q, id, displayName, email)
	return err
}

// Exists reports whether every given user id resolves. Duplicates in the
// input are counted once.
func (r *SQLResolver) Exists(ctx context.Context, userIDs []string) (bool, error) {
	unique := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			unique[id] = true
		}
	}
	if len(unique) == 0 {
		return false, nil
	}

	placeholders := make([]string, 0, len(unique))
	args := make([]any, 0, len(unique))
	i := 0
	for id := range unique {
		i++
		if r.postgres {
			placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		} else {
			placeholders = append(placeholders, "?")
		}
		args = append(args, id)
	}

	var count int
	query := `SELECT COUNT(*) FROM users WHERE id IN (` + strings.Join(placeholders, ", ") + `)`
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("resolve users: %w", err)
	}
	return count == len(unique), nil
}
