package poller

import (
	"context"
	"sync"
)

// Registry tracks one live session per transaction reference
type Registry struct {
	poller *Poller

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(p *Poller) *Registry {
	return &Registry{
		poller:   p,
		sessions: make(map[string]*Session),
	}
}

// Start returns the running session for ref, or starts a new one. The
// boolean is true when a new session was started. Finished sessions, for
// any ref, are dropped before a new one is tracked.
func (r *Registry) Start(ctx context.Context, ref string, opts Options) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[ref]; ok && !finished(s) {
		return s, false
	}
	r.pruneLocked()
	s := r.poller.Start(ctx, ref, opts)
	if ref != "" {
		r.sessions[ref] = s
	}
	return s, true
}

// Get returns the latest session for ref, running or finished
func (r *Registry) Get(ref string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ref]
	return s, ok
}

// Cancel cancels the session for ref and reports whether one existed
func (r *Registry) Cancel(ref string) bool {
	s, ok := r.Get(ref)
	if ok {
		s.Cancel()
	}
	return ok
}

// Prune drops finished sessions
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pruneLocked()
}

func (r *Registry) pruneLocked() int {
	n := 0
	for ref, s := range r.sessions {
		if finished(s) {
			delete(r.sessions, ref)
			n++
		}
	}
	return n
}

// Len reports how many sessions are tracked, running or finished
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func finished(s *Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

// Close cancels every running session
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
}
