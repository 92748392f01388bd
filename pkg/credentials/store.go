// Package credentials stores signing-credential configurations. Key
// material is encrypted at rest through pkg/kms; the optional confirmation
// secret is held only as a bcrypt hash.
package credentials

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/accredo/evidence-backend/pkg/kms"
	"github.com/accredo/evidence-backend/pkg/workflow"
)

// Status of a credential configuration.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Credential is one signing-credential configuration.
type Credential struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Alias         string     `json:"alias"`
	Status        string     `json:"status"`
	RequireSecret bool       `json:"require_secret"`
	PublicKey     string     `json:"public_key"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Store manages credential configurations in SQL.
type Store struct {
	db       *sql.DB
	keys     kms.Manager
	postgres bool
}

// NewStore migrates the schema and returns the store.
func NewStore(db *sql.DB, keys kms.Manager, postgres bool) (*Store, error) {
	s := &Store{db: db, keys: keys, postgres: postgres}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	ts := "TEXT"
	if s.postgres {
		ts = "TIMESTAMPTZ"
	}
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS signing_credentials (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		alias TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		require_secret INTEGER NOT NULL DEFAULT 0,
		secret_hash TEXT,
		public_key TEXT NOT NULL,
		key_material TEXT NOT NULL,
		expires_at %s,
		created_at %s
	);
	CREATE INDEX IF NOT EXISTS idx_signing_credentials_user ON signing_credentials(user_id);`, ts, ts)
	if s.postgres {
		// Postgres prefers a real boolean.
		query = fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS signing_credentials (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		alias TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		require_secret BOOLEAN NOT NULL DEFAULT FALSE,
		secret_hash TEXT,
		public_key TEXT NOT NULL,
		key_material TEXT NOT NULL,
		expires_at %s,
		created_at %s
	);
	CREATE INDEX IF NOT EXISTS idx_signing_credentials_user ON signing_credentials(user_id);`, ts, ts)
	}
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create generates a fresh Ed25519 key pair for userID, encrypts the
// private key, and stores the configuration. secret may be empty when
// requireSecret is false.
func (s *Store) Create(ctx context.Context, userID, alias, secret string, requireSecret bool, expiresAt *time.Time) (*Credential, error) {
	if requireSecret && secret == "" {
		return nil, workflow.Errf(workflow.KindValidation, "a confirmation secret is required for this credential")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	material, err := s.keys.Encrypt(priv.Seed())
	if err != nil {
		return nil, fmt.Errorf("encrypt key material: %w", err)
	}

	var secretHash any
	if requireSecret {
		h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash secret: %w", err)
		}
		secretHash = string(h)
	}

	cred := &Credential{
		ID:            uuid.New().String(),
		UserID:        userID,
		Alias:         alias,
		Status:        StatusActive,
		RequireSecret: requireSecret,
		PublicKey:     hex.EncodeToString(pub),
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now().UTC(),
	}

	query := `INSERT INTO signing_credentials
		(id, user_id, alias, status, require_secret, secret_hash, public_key, key_material, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.postgres {
		query = `INSERT INTO signing_credentials
		(id, user_id, alias, status, require_secret, secret_hash, public_key, key_material, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	}
	_, err = s.db.ExecContext(ctx, query,
		cred.ID, cred.UserID, cred.Alias, cred.Status, cred.RequireSecret, secretHash,
		cred.PublicKey, material, s.timeArg(cred.ExpiresAt), s.timeArg(&cred.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}
	return cred, nil
}

// row is the full stored record including sensitive columns.
type row struct {
	Credential
	secretHash  sql.NullString
	keyMaterial string
}

func (s *Store) get(ctx context.Context, ref string) (*row, error) {
	query := `SELECT id, user_id, alias, status, require_secret, secret_hash, public_key, key_material, expires_at, created_at
		FROM signing_credentials WHERE id = ?`
	if s.postgres {
		query = `SELECT id, user_id, alias, status, require_secret, secret_hash, public_key, key_material, expires_at, created_at
		FROM signing_credentials WHERE id = $1`
	}

	var (
		r                    row
		expiresAt, createdAt any
		expS, creS           sql.NullString
		expT, creT           sql.NullTime
	)
	if s.postgres {
		expiresAt, createdAt = &expT, &creT
	} else {
		expiresAt, createdAt = &expS, &creS
	}

	err := s.db.QueryRowContext(ctx, query, ref).Scan(
		&r.ID, &r.UserID, &r.Alias, &r.Status, &r.RequireSecret, &r.secretHash,
		&r.PublicKey, &r.keyMaterial, expiresAt, createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, workflow.Errf(workflow.KindCredential, "signing credential %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load credential %s: %w", ref, err)
	}

	if s.postgres {
		if expT.Valid {
			t := expT.Time.UTC()
			r.ExpiresAt = &t
		}
		if creT.Valid {
			r.CreatedAt = creT.Time.UTC()
		}
	} else {
		r.ExpiresAt = parseTimePtr(expS)
		if t := parseTimePtr(creS); t != nil {
			r.CreatedAt = *t
		}
	}
	return &r, nil
}

// Verify implements workflow.CredentialVerifier.
func (s *Store) Verify(ctx context.Context, userID, ref, secret string) error {
	r, err := s.get(ctx, ref)
	if err != nil {
		return err
	}
	if r.UserID != userID {
		return workflow.Errf(workflow.KindCredential, "signing credential %s does not belong to user %s", ref, userID)
	}
	if r.Status != StatusActive {
		return workflow.Errf(workflow.KindCredential, "signing credential %s is %s", ref, r.Status)
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(time.Now()) {
		return workflow.Errf(workflow.KindCredential, "signing credential %s has expired", ref)
	}
	if r.RequireSecret {
		if secret == "" {
			return workflow.Errf(workflow.KindCredential, "signing credential %s requires a confirmation secret", ref)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(r.secretHash.String), []byte(secret)); err != nil {
			return workflow.Errf(workflow.KindCredential, "confirmation secret does not match")
		}
	}
	return nil
}

// SigningKey decrypts and returns the private key for ref plus the
// credential's public key id. Callers must have verified the credential.
func (s *Store) SigningKey(ctx context.Context, ref string) (ed25519.PrivateKey, string, error) {
	r, err := s.get(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	seed, err := s.keys.Decrypt(r.keyMaterial)
	if err != nil {
		return nil, "", fmt.Errorf("decrypt key material of %s: %w", ref, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, "", fmt.Errorf("credential %s has malformed key material", ref)
	}
	return ed25519.NewKeyFromSeed(seed), r.PublicKey, nil
}

// Revoke deactivates a credential. Only the owner may revoke.
func (s *Store) Revoke(ctx context.Context, userID, ref string) error {
	r, err := s.get(ctx, ref)
	if err != nil {
		return err
	}
	if r.UserID != userID {
		return workflow.Errf(workflow.KindForbidden, "user %s may not revoke credential %s", userID, ref)
	}
	query := `UPDATE signing_credentials SET status = ? WHERE id = ?`
	args := []any{StatusRevoked, ref}
	if s.postgres {
		query = `UPDATE signing_credentials SET status = $1 WHERE id = $2`
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("revoke credential %s: %w", ref, err)
	}
	return nil
}

// ListForUser returns the user's credential configurations without
// sensitive columns.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]Credential, error) {
	query := `SELECT id, user_id, alias, status, require_secret, public_key, expires_at, created_at
		FROM signing_credentials WHERE user_id = ? ORDER BY created_at DESC`
	if s.postgres {
		query = `SELECT id, user_id, alias, status, require_secret, public_key, expires_at, created_at
		FROM signing_credentials WHERE user_id = $1 ORDER BY created_at DESC`
	}
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Credential
	for rows.Next() {
		var (
			c                    Credential
			expiresAt, createdAt any
			expS, creS           sql.NullString
			expT, creT           sql.NullTime
		)
		if s.postgres {
			expiresAt, createdAt = &expT, &creT
		} else {
			expiresAt, createdAt = &expS, &creS
		}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Alias, &c.Status, &c.RequireSecret, &c.PublicKey, expiresAt, createdAt); err != nil {
			return nil, err
		}
		if s.postgres {
			if expT.Valid {
				t := expT.Time.UTC()
				c.ExpiresAt = &t
			}
			if creT.Valid {
				c.CreatedAt = creT.Time.UTC()
			}
		} else {
			c.ExpiresAt = parseTimePtr(expS)
			if t := parseTimePtr(creS); t != nil {
				c.CreatedAt = *t
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	if s.postgres {
		return *t
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v.String); err == nil {
		return &t
	}
	return nil
}
