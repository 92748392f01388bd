package workflow

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"sort"
)

// Processor orchestrates a single signer's decision: gating, credential
// verification, the external signing call, and the resulting state
// transition. The signer is marked signed only after the provider confirms
// success; a provider failure leaves the aggregate untouched.
type Processor struct {
	store    Store
	files    FileRepository
	creds    CredentialVerifier
	provider SigningProvider
	audit    AuditLogger
	machine  *Machine
	locks    *evidenceLocks
	logger   *slog.Logger
}

// NewProcessor wires the approval processor.
func NewProcessor(store Store, files FileRepository, creds CredentialVerifier, provider SigningProvider, audit AuditLogger, machine *Machine, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    store,
		files:    files,
		creds:    creds,
		provider: provider,
		audit:    audit,
		machine:  machine,
		locks:    newEvidenceLocks(),
		logger:   logger,
	}
}

// DecideInput carries one signer's decision.
type DecideInput struct {
	EvidenceID    string
	Decision      Decision
	CredentialRef string
	Secret        string
	Reason        string
	CallerID      string
}

// DecideResult reports the evidence status after the decision.
type DecideResult struct {
	Status    EvidenceStatus `json:"status"`
	Completed bool           `json:"completed"`
}

// Decide applies an approve or reject decision by the current signer.
// Exactly one signer transition is committed per successful call; a losing
// concurrent caller observes AlreadyProcessed, never a double advance.
func (p *Processor) Decide(ctx context.Context, in DecideInput) (*DecideResult, error) {
	release := p.locks.acquire(in.EvidenceID)
	defer release()

	res, err := p.decide(ctx, in)

	outcome := OutcomeSuccess
	detail := map[string]any{"decision": string(in.Decision)}
	if err != nil {
		detail["error"] = err.Error()
		if KindOf(err) == "" || KindOf(err) == KindSigningProvider {
			outcome = OutcomeError
		} else {
			outcome = OutcomeDenied
		}
	} else {
		detail["status"] = string(res.Status)
	}
	appendAudit(ctx, p.audit, p.logger, AuditRecord{
		ActorID:    in.CallerID,
		EvidenceID: in.EvidenceID,
		Action:     actionForDecision(in.Decision),
		Outcome:    outcome,
		Detail:     detail,
	})
	return res, err
}

func (p *Processor) decide(ctx context.Context, in DecideInput) (*DecideResult, error) {
	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return nil, Errf(KindValidation, "decision must be approve or reject, got %q", in.Decision)
	}

	ev, err := p.store.Get(ctx, in.EvidenceID)
	if err != nil {
		return nil, err
	}
	fds, err := p.files.ListFiles(ctx, in.EvidenceID)
	if err != nil {
		return nil, err
	}
	ev.Files = fds

	if in.Decision == DecisionReject {
		if err := p.machine.Reject(ev, in.CallerID, in.Reason); err != nil {
			return nil, err
		}
		if err := p.commit(ctx, ev); err != nil {
			return nil, err
		}
		return &DecideResult{Status: ev.Status}, nil
	}

	// Approve path. All gating runs before the provider call, and the
	// signer is mutated only after the provider confirms success.
	if _, err := p.machine.CheckTurn(ev, in.CallerID); err != nil {
		return nil, err
	}
	if in.CredentialRef == "" {
		return nil, Errf(KindCredential, "a signing credential is required to approve")
	}
	if err := p.creds.Verify(ctx, in.CallerID, in.CredentialRef, in.Secret); err != nil {
		return nil, err
	}

	signed, err := p.provider.Sign(ctx, SignRequest{
		EvidenceID:    ev.ID,
		SignerID:      in.CallerID,
		CredentialRef: in.CredentialRef,
		Secret:        in.Secret,
		Digest:        payloadDigest(ev, in.CallerID),
	})
	if err != nil {
		return nil, Wrap(KindSigningProvider, "signing provider failed", err)
	}

	if err := p.machine.Approve(ev, in.CallerID, in.CredentialRef, signed.Signature); err != nil {
		return nil, err
	}
	if err := p.commit(ctx, ev); err != nil {
		return nil, err
	}
	return &DecideResult{Status: ev.Status, Completed: ev.Status == StatusCompleted}, nil
}

func (p *Processor) commit(ctx context.Context, ev *Evidence) error {
	if err := p.store.Update(ctx, ev); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Wrap(KindAlreadyProcessed, "evidence was processed concurrently", err)
		}
		return err
	}
	return nil
}

func actionForDecision(d Decision) string {
	if d == DecisionReject {
		return ActionReject
	}
	return ActionApprove
}

// payloadDigest derives the signing payload from the evidence identity and
// its file set, so the artifact is bound to what the signer saw.
func payloadDigest(ev *Evidence, signerID string) []byte {
	h := sha256.New()
	h.Write([]byte(ev.ID))
	h.Write([]byte{0})
	ids := make([]string, len(ev.Files))
	for i, f := range ev.Files {
		ids[i] = f.ID
	}
	sort.Strings(ids)
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	h.Write([]byte(signerID))
	return h.Sum(nil)
}
