package provision

import "sync"

// sessionLocks serializes in-process work on the same checkout session. The
// job table's compare-and-swap transitions remain the cross-process backstop;
// this lock just keeps two deliveries in the same process from both reaching
// an external create call before either has persisted its progress.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the mutex for sessionID and returns its unlock function.
func (l *sessionLocks) acquire(sessionID string) func() {
	l.mu.Lock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
