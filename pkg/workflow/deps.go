package workflow

import (
	"context"
	"errors"
	"time"
)

// ErrVersionConflict is returned by Store.Update when the aggregate was
// modified since it was read. The caller lost the race and must re-read.
var ErrVersionConflict = errors.New("evidence version conflict")

// ListQuery filters and pages an evidence listing. ScopeUserID, when set,
// restricts results to evidences where that user is creator, assignee, or a
// listed signer; it is ANDed with the explicit filters.
type ListQuery struct {
	Status      EvidenceStatus
	Search      string
	StandardID  string
	CriteriaID  string
	ScopeUserID string
	Limit       int
	Offset      int
}

// Store persists Evidence aggregates.
type Store interface {
	// Get loads one evidence without its file descriptors. Returns a
	// KindNotFound error when absent.
	Get(ctx context.Context, id string) (*Evidence, error)
	// Update writes the aggregate conditionally on its Version field and
	// increments it on success. Returns ErrVersionConflict when a
	// concurrent writer got there first.
	Update(ctx context.Context, ev *Evidence) error
	// List returns one page of evidences plus the total match count.
	List(ctx context.Context, q ListQuery) ([]*Evidence, int, error)
}

// FileRepository lists the file descriptors attached to evidences.
type FileRepository interface {
	ListFiles(ctx context.Context, evidenceID string) ([]FileDescriptor, error)
	ListForEvidences(ctx context.Context, evidenceIDs []string) (map[string][]FileDescriptor, error)
}

// IdentityResolver validates that proposed signer user ids exist.
type IdentityResolver interface {
	Exists(ctx context.Context, userIDs []string) (bool, error)
}

// AuditRecord is one append-only workflow audit entry.
type AuditRecord struct {
	ActorID    string
	EvidenceID string
	Action     string
	Outcome    string
	Detail     map[string]any
}

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// AuditLogger records workflow actions. Appends are best-effort; a failed
// append never rolls back a committed transition.
type AuditLogger interface {
	Append(ctx context.Context, rec AuditRecord) error
}

// SignRequest is the payload handed to the signing provider.
type SignRequest struct {
	EvidenceID    string
	SignerID      string
	CredentialRef string
	Secret        string
	Digest        []byte
}

// SignResult is the provider's signature artifact.
type SignResult struct {
	Signature string
	KeyID     string
	SignedAt  time.Time
}

// SigningProvider produces a signature artifact for a payload digest using
// the signer's credential configuration. Treated as an opaque capability.
type SigningProvider interface {
	Sign(ctx context.Context, req SignRequest) (*SignResult, error)
}

// CredentialVerifier checks that a signing credential configuration is
// resolvable, owned by the signer, active, unexpired, and that the secret
// confirmation matches when the configuration demands one. Failures carry
// KindCredential.
type CredentialVerifier interface {
	Verify(ctx context.Context, userID, credentialRef, secret string) error
}
