package workflow

import "time"

// Machine validates and applies workflow state transitions on an Evidence
// aggregate. All methods mutate the aggregate in memory only; persistence
// and the concurrency discipline live in the callers (Service, Processor).
//
// Every guard is checked before any field is written, so a returned error
// always leaves the aggregate untouched.
type Machine struct {
	clock          func() time.Time
	placementMIMEs map[string]bool
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) MachineOption {
	return func(m *Machine) { m.clock = clock }
}

// WithPlacementMIMETypes overrides the MIME types requiring signature
// placement before signing can begin.
func WithPlacementMIMETypes(mimes []string) MachineOption {
	return func(m *Machine) {
		m.placementMIMEs = make(map[string]bool, len(mimes))
		for _, mt := range mimes {
			m.placementMIMEs[mt] = true
		}
	}
}

// NewMachine builds a Machine. By default only application/pdf files
// require signature placement.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		clock:          time.Now,
		placementMIMEs: map[string]bool{"application/pdf": true},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequiresPlacement reports whether a file with the given MIME type needs
// placement metadata before signing.
func (m *Machine) RequiresPlacement(mimeType string) bool {
	return m.placementMIMEs[mimeType]
}

// RequiresInsertion reports whether the insertion stage applies to the
// evidence, i.e. at least one attached file needs placement metadata.
func (m *Machine) RequiresInsertion(ev *Evidence) bool {
	for _, f := range ev.Files {
		if m.RequiresPlacement(f.MimeType) {
			return true
		}
	}
	return false
}

// Actor identifies the caller of a transition.
type Actor struct {
	UserID string
	Admin  bool
}

func (a Actor) isInitiator(ev *Evidence) bool {
	return ev.Signing != nil && ev.Signing.InitiatedBy == a.UserID
}

func (a Actor) mayManage(ev *Evidence) bool {
	return a.Admin || a.isInitiator(ev)
}

// Initiate creates the signing process on a draft evidence. The signer list
// must already have passed identity resolution. If any file requires
// placement the evidence waits in pending_approval for the insertion stage;
// otherwise signing starts immediately.
func (m *Machine) Initiate(ev *Evidence, signers []Signer, reason string, actor Actor) error {
	if ev.Status != StatusDraft {
		return Errf(KindStateConflict, "evidence %s is %s, signing can only be initiated from draft", ev.ID, ev.Status)
	}
	if !actor.Admin && actor.UserID != ev.CreatedBy && actor.UserID != ev.AssignedTo {
		return Errf(KindForbidden, "user %s may not initiate signing for evidence %s", actor.UserID, ev.ID)
	}
	if err := ValidateOrdering(signers); err != nil {
		return err
	}

	now := m.clock().UTC()
	proc := &SigningProcess{
		Signers:     make([]Signer, len(signers)),
		InitiatedBy: actor.UserID,
		InitiatedAt: now,
		Reason:      reason,
		CurrentStep: 1,
	}
	for i, s := range signers {
		proc.Signers[i] = Signer{
			UserID: s.UserID,
			Order:  s.Order,
			Role:   s.Role,
			Status: SignerPending,
		}
	}

	if m.RequiresInsertion(ev) {
		ev.Status = StatusPendingApproval
		proc.Status = ProcessPendingSignatures
	} else {
		ev.Status = StatusInProgress
		proc.Status = ProcessInProgress
	}
	ev.Signing = proc
	ev.UpdatedAt = now
	return nil
}

// checkTurn runs the gating checks shared by approve and reject without
// mutating anything. It returns the current signer on success.
func (m *Machine) checkTurn(ev *Evidence, userID string) (*Signer, error) {
	if ev.Status != StatusSignaturesInserted && ev.Status != StatusInProgress {
		return nil, Errf(KindStateConflict, "evidence %s is %s, not awaiting signatures", ev.ID, ev.Status)
	}
	proc := ev.Signing
	if proc == nil {
		return nil, Errf(KindStateConflict, "evidence %s has no signing process", ev.ID)
	}
	cur := CurrentSigner(proc.Signers, proc.CurrentStep)
	if cur == nil {
		return nil, Errf(KindAlreadyProcessed, "no pending signer at step %d of evidence %s", proc.CurrentStep, ev.ID)
	}
	if cur.UserID != userID {
		for _, s := range proc.Signers {
			if s.UserID == userID && s.Status == SignerSigned {
				return nil, Errf(KindAlreadyProcessed, "user %s has already signed evidence %s", userID, ev.ID)
			}
		}
		return nil, Errf(KindForbidden, "it is not user %s's turn to sign evidence %s", userID, ev.ID)
	}
	return cur, nil
}

// CheckTurn exposes the gating checks so the approval processor can verify
// the caller's turn before invoking the external signing provider.
func (m *Machine) CheckTurn(ev *Evidence, userID string) (*Signer, error) {
	return m.checkTurn(ev, userID)
}

// Approve marks the current signer as signed and advances the process. It
// must be called only after the signing provider has confirmed success;
// signature carries the provider's artifact.
func (m *Machine) Approve(ev *Evidence, userID, credentialRef, signature string) error {
	cur, err := m.checkTurn(ev, userID)
	if err != nil {
		return err
	}
	proc := ev.Signing
	now := m.clock().UTC()

	cur.Status = SignerSigned
	cur.SignedAt = &now
	cur.CredentialRef = credentialRef
	cur.Signature = signature

	nextStep := proc.CurrentStep + 1
	if CurrentSigner(proc.Signers, nextStep) != nil {
		proc.CurrentStep = nextStep
		proc.Status = ProcessInProgress
		ev.Status = StatusInProgress
	} else {
		proc.Status = ProcessCompleted
		ev.Status = StatusCompleted
		ev.CompletedAt = &now
	}
	ev.UpdatedAt = now
	return nil
}

// Reject marks the current signer as rejected and terminates the whole
// process. No further signer can act afterward.
func (m *Machine) Reject(ev *Evidence, userID, reason string) error {
	if reason == "" {
		return Errf(KindValidation, "a rejection reason is required")
	}
	cur, err := m.checkTurn(ev, userID)
	if err != nil {
		return err
	}
	now := m.clock().UTC()

	cur.Status = SignerRejected
	cur.Reason = reason
	ev.Signing.Status = ProcessRejected
	ev.Status = StatusRejected
	ev.RejectedAt = &now
	ev.RejectionReason = reason
	ev.UpdatedAt = now
	return nil
}

// Cancel destroys the signing process and reverts the evidence to draft.
// Allowed from any non-terminal signing state, even after signatures exist;
// collected signatures are discarded with the process.
func (m *Machine) Cancel(ev *Evidence, actor Actor) error {
	switch ev.Status {
	case StatusPendingApproval, StatusSignaturesInserted, StatusInProgress:
	default:
		return Errf(KindStateConflict, "evidence %s is %s and cannot be cancelled", ev.ID, ev.Status)
	}
	if !actor.mayManage(ev) {
		return Errf(KindForbidden, "user %s may not cancel signing for evidence %s", actor.UserID, ev.ID)
	}
	ev.Signing = nil
	ev.Status = StatusDraft
	ev.UpdatedAt = m.clock().UTC()
	return nil
}

// UpdateSigners replaces the signer list wholesale while nobody has signed
// yet. The process restarts at step 1 and any stored signature positions are
// cleared, since they may reference replaced signers.
func (m *Machine) UpdateSigners(ev *Evidence, signers []Signer, reason string, actor Actor) error {
	if ev.Status != StatusPendingApproval && ev.Status != StatusSignaturesInserted {
		return Errf(KindStateConflict, "evidence %s is %s, signer list cannot be updated", ev.ID, ev.Status)
	}
	proc := ev.Signing
	if proc == nil {
		return Errf(KindStateConflict, "evidence %s has no signing process", ev.ID)
	}
	if !actor.mayManage(ev) {
		return Errf(KindForbidden, "user %s may not update signers for evidence %s", actor.UserID, ev.ID)
	}
	for _, s := range proc.Signers {
		if s.Status == SignerSigned {
			return Errf(KindStateConflict, "signer %s has already signed, the list is immutable", s.UserID)
		}
	}
	if err := ValidateOrdering(signers); err != nil {
		return err
	}

	now := m.clock().UTC()
	replaced := make([]Signer, len(signers))
	for i, s := range signers {
		replaced[i] = Signer{
			UserID: s.UserID,
			Order:  s.Order,
			Role:   s.Role,
			Status: SignerPending,
		}
	}
	proc.Signers = replaced
	proc.CurrentStep = 1
	proc.Reason = reason
	proc.Positions = nil
	proc.InsertedAt = nil
	proc.InsertedBy = ""
	if ev.Status == StatusSignaturesInserted {
		// Positions are gone, so the insertion stage has to run again.
		ev.Status = StatusPendingApproval
	}
	proc.Status = ProcessPendingSignatures
	ev.UpdatedAt = now
	return nil
}
