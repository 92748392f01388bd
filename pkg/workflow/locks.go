package workflow

import "sync"

// evidenceLocks serializes in-process workflow operations per evidence so
// the external provider is invoked at most once per turn within one
// instance. Cross-instance safety rests on the store's version check.
type evidenceLocks struct {
	mu    sync.Mutex
	locks map[string]*lockRef
}

type lockRef struct {
	mu   sync.Mutex
	refs int
}

func newEvidenceLocks() *evidenceLocks {
	return &evidenceLocks{locks: make(map[string]*lockRef)}
}

// acquire blocks until the per-evidence lock is held and returns the release
// function. Entries are reference counted and removed when unused.
func (l *evidenceLocks) acquire(id string) func() {
	l.mu.Lock()
	ref, ok := l.locks[id]
	if !ok {
		ref = &lockRef{}
		l.locks[id] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
