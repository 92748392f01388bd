package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// In-memory test doubles shared by the service, processor, and query tests.

type memStore struct {
	mu        sync.Mutex
	evidences map[string]*Evidence
	updateErr error
}

func newMemStore(evs ...*Evidence) *memStore {
	s := &memStore{evidences: make(map[string]*Evidence)}
	for _, ev := range evs {
		s.evidences[ev.ID] = cloneEvidence(ev)
	}
	return s
}

func cloneEvidence(ev *Evidence) *Evidence {
	raw, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	var out Evidence
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (s *memStore) Get(_ context.Context, id string) (*Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.evidences[id]
	if !ok {
		return nil, Errf(KindNotFound, "evidence %s not found", id)
	}
	return cloneEvidence(ev), nil
}

func (s *memStore) Update(_ context.Context, ev *Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	cur, ok := s.evidences[ev.ID]
	if !ok {
		return Errf(KindNotFound, "evidence %s not found", ev.ID)
	}
	if cur.Version != ev.Version {
		return ErrVersionConflict
	}
	saved := cloneEvidence(ev)
	saved.Version++
	s.evidences[ev.ID] = saved
	ev.Version = saved.Version
	return nil
}

func (s *memStore) List(_ context.Context, q ListQuery) ([]*Evidence, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Evidence
	for _, ev := range s.evidences {
		if q.Status != "" && ev.Status != q.Status {
			continue
		}
		if q.Search != "" && !strings.Contains(strings.ToLower(ev.Title), strings.ToLower(q.Search)) {
			continue
		}
		if q.StandardID != "" && ev.StandardID != q.StandardID {
			continue
		}
		if q.CriteriaID != "" && ev.CriteriaID != q.CriteriaID {
			continue
		}
		if q.ScopeUserID != "" && !s.visibleTo(ev, q.ScopeUserID) {
			continue
		}
		out = append(out, cloneEvidence(ev))
	}
	return out, len(out), nil
}

func (s *memStore) visibleTo(ev *Evidence, userID string) bool {
	if ev.CreatedBy == userID || ev.AssignedTo == userID {
		return true
	}
	if ev.Signing != nil {
		for _, sg := range ev.Signing.Signers {
			if sg.UserID == userID {
				return true
			}
		}
	}
	return false
}

// current returns the stored aggregate for direct assertions.
func (s *memStore) current(id string) *Evidence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneEvidence(s.evidences[id])
}

type memFiles struct {
	byEvidence map[string][]FileDescriptor
}

func (f *memFiles) ListFiles(_ context.Context, evidenceID string) ([]FileDescriptor, error) {
	return f.byEvidence[evidenceID], nil
}

func (f *memFiles) ListForEvidences(_ context.Context, evidenceIDs []string) (map[string][]FileDescriptor, error) {
	out := make(map[string][]FileDescriptor, len(evidenceIDs))
	for _, id := range evidenceIDs {
		if fds, ok := f.byEvidence[id]; ok {
			out[id] = fds
		}
	}
	return out, nil
}

type memIdentities struct {
	known map[string]bool
}

func identitiesWith(ids ...string) *memIdentities {
	m := &memIdentities{known: make(map[string]bool, len(ids))}
	for _, id := range ids {
		m.known[id] = true
	}
	return m
}

func (m *memIdentities) Exists(_ context.Context, userIDs []string) (bool, error) {
	for _, id := range userIDs {
		if !m.known[id] {
			return false, nil
		}
	}
	return true, nil
}

type memAudit struct {
	mu      sync.Mutex
	records []AuditRecord
	err     error
}

func (a *memAudit) Append(_ context.Context, rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *memAudit) last() AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.records) == 0 {
		return AuditRecord{}
	}
	return a.records[len(a.records)-1]
}

type fakeVerifier struct {
	err   error
	calls int
}

func (v *fakeVerifier) Verify(_ context.Context, userID, credentialRef, secret string) error {
	v.calls++
	return v.err
}

type fakeProvider struct {
	err      error
	calls    int
	lastReq  SignRequest
	artifact string
}

func (p *fakeProvider) Sign(_ context.Context, req SignRequest) (*SignResult, error) {
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	sig := p.artifact
	if sig == "" {
		sig = fmt.Sprintf("sig-%s-%d", req.SignerID, p.calls)
	}
	return &SignResult{Signature: sig, KeyID: "key-1"}, nil
}
