package workflow

import (
	"context"
	"math"
)

// Filter is the caller-supplied listing filter.
type Filter struct {
	Status     EvidenceStatus
	Search     string
	StandardID string
	CriteriaID string
}

// SignerBrief is the public projection of one upcoming signer.
type SignerBrief struct {
	UserID string     `json:"user_id"`
	Order  int        `json:"order"`
	Role   SignerRole `json:"role"`
}

// SigningProgress summarizes how far a signing process has come.
type SigningProgress struct {
	TotalSigners int     `json:"total_signers"`
	SignedCount  int     `json:"signed_count"`
	Percentage   float64 `json:"percentage"`
}

// EvidenceSummary is one listing row, annotated with capabilities computed
// for the viewing caller. Annotations are derived, never stored.
type EvidenceSummary struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Status     EvidenceStatus `json:"status"`
	StandardID string         `json:"standard_id,omitempty"`
	CriteriaID string         `json:"criteria_id,omitempty"`
	CreatedBy  string         `json:"created_by"`
	AssignedTo string         `json:"assigned_to,omitempty"`

	CanInitiateSigning         bool             `json:"can_initiate_signing"`
	CanUserSign                bool             `json:"can_user_sign"`
	CanCancelSigning           bool             `json:"can_cancel_signing"`
	CanUpdateSigning           bool             `json:"can_update_signing"`
	RequiresSignatureInsertion bool             `json:"requires_signature_insertion"`
	NextSigners                []SignerBrief    `json:"next_signers,omitempty"`
	SigningProgress            *SigningProgress `json:"signing_progress,omitempty"`
}

// Page is one page of listing results.
type Page struct {
	Items    []EvidenceSummary `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// Viewer identifies the listing caller.
type Viewer struct {
	UserID string
	Admin  bool
}

// QueryService is the read side: scoped, filtered listings with computed
// capability annotations. Listings may read a slightly stale snapshot; the
// gating decision inside the processor never relies on them.
type QueryService struct {
	store   Store
	files   FileRepository
	machine *Machine
}

// NewQueryService wires the read side.
func NewQueryService(store Store, files FileRepository, machine *Machine) *QueryService {
	return &QueryService{store: store, files: files, machine: machine}
}

// List returns one page of evidence summaries visible to the viewer.
// Non-admin viewers are implicitly scoped to evidences where they are
// creator, assignee, or a listed signer, ANDed with the explicit filters.
func (q *QueryService) List(ctx context.Context, f Filter, viewer Viewer, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	lq := ListQuery{
		Status:     f.Status,
		Search:     f.Search,
		StandardID: f.StandardID,
		CriteriaID: f.CriteriaID,
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	}
	if !viewer.Admin {
		lq.ScopeUserID = viewer.UserID
	}

	evs, total, err := q.store.List(ctx, lq)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	filesByEvidence, err := q.files.ListForEvidences(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]EvidenceSummary, len(evs))
	for i, ev := range evs {
		ev.Files = filesByEvidence[ev.ID]
		items[i] = q.summarize(ev, viewer)
	}
	return &Page{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (q *QueryService) summarize(ev *Evidence, viewer Viewer) EvidenceSummary {
	sum := EvidenceSummary{
		ID:         ev.ID,
		Title:      ev.Title,
		Status:     ev.Status,
		StandardID: ev.StandardID,
		CriteriaID: ev.CriteriaID,
		CreatedBy:  ev.CreatedBy,
		AssignedTo: ev.AssignedTo,

		RequiresSignatureInsertion: q.machine.RequiresInsertion(ev),
	}

	manages := viewer.Admin || viewer.UserID == ev.CreatedBy || viewer.UserID == ev.AssignedTo
	sum.CanInitiateSigning = ev.Status == StatusDraft && manages

	proc := ev.Signing
	if proc == nil {
		return sum
	}

	controls := viewer.Admin || viewer.UserID == proc.InitiatedBy
	active := ev.Status == StatusPendingApproval || ev.Status == StatusSignaturesInserted || ev.Status == StatusInProgress
	sum.CanCancelSigning = active && controls

	if ev.Status == StatusPendingApproval || ev.Status == StatusSignaturesInserted {
		anySigned := false
		for _, s := range proc.Signers {
			if s.Status == SignerSigned {
				anySigned = true
				break
			}
		}
		sum.CanUpdateSigning = controls && !anySigned
	}

	signable := ev.Status == StatusSignaturesInserted || ev.Status == StatusInProgress
	sum.CanUserSign = signable && CanAct(proc.Signers, proc.CurrentStep, viewer.UserID)

	for _, s := range NextSigners(proc.Signers, proc.CurrentStep) {
		sum.NextSigners = append(sum.NextSigners, SignerBrief{UserID: s.UserID, Order: s.Order, Role: s.Role})
	}

	signed := 0
	for _, s := range proc.Signers {
		if s.Status == SignerSigned {
			signed++
		}
	}
	pct := 0.0
	if len(proc.Signers) > 0 {
		pct = math.Round(float64(signed)/float64(len(proc.Signers))*10000) / 100
	}
	sum.SigningProgress = &SigningProgress{
		TotalSigners: len(proc.Signers),
		SignedCount:  signed,
		Percentage:   pct,
	}
	return sum
}
