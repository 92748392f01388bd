package workflow

import (
	"context"
	"errors"
	"log/slog"
)

// Audit action names.
const (
	ActionInitiate        = "signing.initiate"
	ActionInsertPositions = "signing.insert_positions"
	ActionApprove         = "signing.approve"
	ActionReject          = "signing.reject"
	ActionUpdateSigners   = "signing.update_signers"
	ActionCancel          = "signing.cancel"
)

// Next stages reported by initiate.
const (
	StageSignatureInsertion = "signature_insertion"
	StageSigning            = "signing"
)

// Service drives the write-side workflow operations except decide, which
// lives on Processor. Every operation is one read-modify-write on a single
// Evidence aggregate, committed through the store's version check.
type Service struct {
	store      Store
	files      FileRepository
	identities IdentityResolver
	audit      AuditLogger
	machine    *Machine
	locks      *evidenceLocks
	logger     *slog.Logger
}

// NewService wires the workflow write side.
func NewService(store Store, files FileRepository, identities IdentityResolver, audit AuditLogger, machine *Machine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		files:      files,
		identities: identities,
		audit:      audit,
		machine:    machine,
		locks:      newEvidenceLocks(),
		logger:     logger,
	}
}

// Machine exposes the configured state machine for the read side.
func (s *Service) Machine() *Machine { return s.machine }

// InitiateResult reports where the workflow went after initiation.
type InitiateResult struct {
	Status    EvidenceStatus `json:"status"`
	NextStage string         `json:"next_stage"`
}

// Initiate creates the signing process on a draft evidence.
func (s *Service) Initiate(ctx context.Context, evidenceID string, signers []Signer, reason string, actor Actor) (*InitiateResult, error) {
	release := s.locks.acquire(evidenceID)
	defer release()

	ev, err := s.load(ctx, evidenceID)
	if err != nil {
		return nil, err
	}

	if err := ValidateOrdering(signers); err != nil {
		s.auditLog(ctx, actor, evidenceID, ActionInitiate, OutcomeDenied, map[string]any{"error": err.Error()})
		return nil, err
	}
	ids := make([]string, len(signers))
	for i, sg := range signers {
		ids[i] = sg.UserID
	}
	ok, err := s.identities.Exists(ctx, ids)
	if err != nil {
		return nil, Wrap(KindValidation, "resolving signer identities", err)
	}
	if !ok {
		err := Errf(KindValidation, "one or more signer user ids do not exist")
		s.auditLog(ctx, actor, evidenceID, ActionInitiate, OutcomeDenied, map[string]any{"error": err.Error()})
		return nil, err
	}

	if err := s.machine.Initiate(ev, signers, reason, actor); err != nil {
		s.auditLog(ctx, actor, evidenceID, ActionInitiate, OutcomeDenied, map[string]any{"error": err.Error()})
		return nil, err
	}
	if err := s.save(ctx, ev); err != nil {
		return nil, err
	}

	res := &InitiateResult{Status: ev.Status, NextStage: StageSigning}
	if ev.Status == StatusPendingApproval {
		res.NextStage = StageSignatureInsertion
	}
	s.auditLog(ctx, actor, evidenceID, ActionInitiate, OutcomeSuccess, map[string]any{
		"signers": len(signers),
		"status":  string(ev.Status),
	})
	return res, nil
}

// StatusResult is the common result of the remaining write operations.
type StatusResult struct {
	Status EvidenceStatus `json:"status"`
}

// InsertSignatures records placement metadata and opens the signing stage.
func (s *Service) InsertSignatures(ctx context.Context, evidenceID string, positions map[string][]SignaturePosition, actor Actor) (*StatusResult, error) {
	release := s.locks.acquire(evidenceID)
	defer release()

	ev, err := s.load(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if err := s.machine.InsertSignatures(ev, positions, actor); err != nil {
		s.auditLog(ctx, actor, evidenceID, ActionInsertPositions, OutcomeDenied, map[string]any{"error": err.Error()})
		return nil, err
	}
	if err := s.save(ctx, ev); err != nil {
		return nil, err
	}
	s.auditLog(ctx, actor, evidenceID, ActionInsertPositions, OutcomeSuccess, map[string]any{"files": len(positions)})
	return &StatusResult{Status: ev.Status}, nil
}

// UpdateSigners replaces the signer list while nobody has signed.
func (s *Service) UpdateSigners(ctx context.Context, evidenceID string, signers []Signer, reason string, actor Actor) (*StatusResult, error) {
	release := s.locks.acquire(evidenceID)
	defer release()

	ev, err := s.load(ctx, evidenceID)
	if err != nil {
		return nil, err
	}

	if err := ValidateOrdering(signers); err != nil {
		s.auditLog(ctx, actor, evidenceID, ActionUpdateSigners, OutcomeDenied, map[string]any{"error": err.Error()})
		return nil, err
	}
	ids := make([]string, len(signers))
	for i, sg := range signers {
		ids[i] = sg.UserID
	}
	ok, err := s.identities.Exists(ctx, ids)
	if err != nil {
		return nil, Wrap(KindValidation, "resolving signer identities", err)
	}
	if !ok {
		err := Errf(KindValidation, "one or more signer user ids do not exist")
		s.auditLog(ctx, actor, evidenceID, ActionUpdateSigners, OutcomeDenied, map[string]any{"error": err.Error()})
		return nil, err
	}

	if err := s.machine.UpdateSigners(ev, signers, reason, actor); err != nil {
		s.auditLog(ctx, actor, evidenceID, ActionUpdateSigners, OutcomeDenied, map[string]any{"error": err.Error()})
		return nil, err
	}
	if err := s.save(ctx, ev); err != nil {
		return nil, err
	}
	s.auditLog(ctx, actor, evidenceID, ActionUpdateSigners, OutcomeSuccess, map[string]any{"signers": len(signers)})
	return &StatusResult{Status: ev.Status}, nil
}

// Cancel destroys the signing process and reverts the evidence to draft.
func (s *Service) Cancel(ctx context.Context, evidenceID, reason string, actor Actor) (*StatusResult, error) {
	release := s.locks.acquire(evidenceID)
	defer release()

	ev, err := s.load(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if err := s.machine.Cancel(ev, actor); err != nil {
		s.auditLog(ctx, actor, evidenceID, ActionCancel, OutcomeDenied, map[string]any{"error": err.Error()})
		return nil, err
	}
	if err := s.save(ctx, ev); err != nil {
		return nil, err
	}
	s.auditLog(ctx, actor, evidenceID, ActionCancel, OutcomeSuccess, map[string]any{"reason": reason})
	return &StatusResult{Status: ev.Status}, nil
}

// load fetches the aggregate and attaches its file descriptors.
func (s *Service) load(ctx context.Context, evidenceID string) (*Evidence, error) {
	ev, err := s.store.Get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	fds, err := s.files.ListFiles(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	ev.Files = fds
	return ev, nil
}

func (s *Service) save(ctx context.Context, ev *Evidence) error {
	if err := s.store.Update(ctx, ev); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Wrap(KindStateConflict, "evidence was modified concurrently, retry", err)
		}
		return err
	}
	return nil
}

func (s *Service) auditLog(ctx context.Context, actor Actor, evidenceID, action, outcome string, detail map[string]any) {
	appendAudit(ctx, s.audit, s.logger, AuditRecord{
		ActorID:    actor.UserID,
		EvidenceID: evidenceID,
		Action:     action,
		Outcome:    outcome,
		Detail:     detail,
	})
}

// appendAudit is fire-and-forget: audit failure never affects the outcome
// of a workflow operation.
func appendAudit(ctx context.Context, audit AuditLogger, logger *slog.Logger, rec AuditRecord) {
	if audit == nil {
		return
	}
	if err := audit.Append(ctx, rec); err != nil {
		logger.Warn("audit append failed", "action", rec.Action, "evidence_id", rec.EvidenceID, "error", err)
	}
}
