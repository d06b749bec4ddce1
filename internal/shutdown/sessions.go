package shutdown

import (
	"context"
	"sync"
)

// SessionSet holds the cancel handles of running capture sessions, keyed by
// session id.
type SessionSet struct {
	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// NewSessionSet returns an empty set.
func NewSessionSet() *SessionSet {
	return &SessionSet{sessions: make(map[string]context.CancelFunc)}
}

// Track registers cancel under id, replacing any previous handle.
func (s *SessionSet) Track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = cancel
}

// Untrack forgets id. Unknown ids are ignored.
func (s *SessionSet) Untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len returns the number of tracked sessions.
func (s *SessionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CancelAll requests cancellation of every tracked session and returns how
// many were signalled. Handles stay tracked until their owner untracks them.
func (s *SessionSet) CancelAll() int {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.sessions))
	for _, c := range s.sessions {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return len(cancels)
}
