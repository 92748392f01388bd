// Package workflow implements the sequential multi-signer approval workflow
// for accreditation Evidence documents: status transitions, signer ordering,
// the signature-insertion stage, approval processing, and the scoped read side.
package workflow

import "time"

// EvidenceStatus is the lifecycle status of an Evidence document.
type EvidenceStatus string

const (
	StatusDraft              EvidenceStatus = "draft"
	StatusPendingApproval    EvidenceStatus = "pending_approval"
	StatusSignaturesInserted EvidenceStatus = "signatures_inserted"
	StatusInProgress         EvidenceStatus = "in_progress"
	StatusCompleted          EvidenceStatus = "completed"
	StatusRejected           EvidenceStatus = "rejected"
)

// ProcessStatus is the status of the embedded signing process.
type ProcessStatus string

const (
	ProcessPendingSignatures  ProcessStatus = "pending_signatures"
	ProcessSignaturesInserted ProcessStatus = "signatures_inserted"
	ProcessInProgress         ProcessStatus = "in_progress"
	ProcessCompleted          ProcessStatus = "completed"
	ProcessRejected           ProcessStatus = "rejected"
)

// SignerStatus tracks one signer's decision.
type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerSigned   SignerStatus = "signed"
	SignerRejected SignerStatus = "rejected"
)

// SignerRole distinguishes reviewers from approvers. The role does not
// affect gating; signers always act strictly in order.
type SignerRole string

const (
	RoleReviewer SignerRole = "reviewer"
	RoleApprover SignerRole = "approver"
)

// Signer is one participant in a signing process.
type Signer struct {
	UserID        string       `json:"user_id"`
	Order         int          `json:"order"`
	Role          SignerRole   `json:"role"`
	Status        SignerStatus `json:"status"`
	SignedAt      *time.Time   `json:"signed_at,omitempty"`
	CredentialRef string       `json:"credential_ref,omitempty"`
	Signature     string       `json:"signature,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// SignaturePosition is one placement descriptor for a signer's visible
// signature inside a file. Coordinates are in PDF points.
type SignaturePosition struct {
	SignerID string  `json:"signer_id"`
	Page     int     `json:"page"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

// SigningProcess is the embedded workflow sub-state of one Evidence.
// It exists from initiate until cancel or a terminal status.
type SigningProcess struct {
	Signers     []Signer                       `json:"signers"`
	Status      ProcessStatus                  `json:"status"`
	InitiatedBy string                         `json:"initiated_by"`
	InitiatedAt time.Time                      `json:"initiated_at"`
	Reason      string                         `json:"reason,omitempty"`
	CurrentStep int                            `json:"current_step"`
	Positions   map[string][]SignaturePosition `json:"positions,omitempty"`
	InsertedAt  *time.Time                     `json:"inserted_at,omitempty"`
	InsertedBy  string                         `json:"inserted_by,omitempty"`
}

// FileDescriptor identifies one file attached to an Evidence.
type FileDescriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
}

// Evidence is the aggregate root of the approval workflow.
type Evidence struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Status          EvidenceStatus   `json:"status"`
	StandardID      string           `json:"standard_id,omitempty"`
	CriteriaID      string           `json:"criteria_id,omitempty"`
	CreatedBy       string           `json:"created_by"`
	AssignedTo      string           `json:"assigned_to,omitempty"`
	Files           []FileDescriptor `json:"files,omitempty"`
	Signing         *SigningProcess  `json:"signing,omitempty"`
	RejectedAt      *time.Time       `json:"rejected_at,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	// Version is the optimistic-concurrency token; it increments on every
	// committed write and guards against concurrent read-modify-write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Decision is a signer's verdict on an evidence.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)
