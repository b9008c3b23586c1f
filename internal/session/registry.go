package session

import "sync"

// Registry maps a worker to its active session. It enforces at most one
// session per worker. It is touched only on session start and stop, so a
// single mutex guards it.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[WorkerID]*Session
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[WorkerID]*Session)}
}

// Register records s as the active session of worker id. It returns false,
// leaving the existing mapping untouched, if id already has a session.
func (r *Registry) Register(id WorkerID, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return false
	}
	r.sessions[id] = s
	return true
}

// Unregister removes the mapping for id. It is a no-op if none exists.
func (r *Registry) Unregister(id WorkerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Lookup returns the session registered for id.
func (r *Registry) Lookup(id WorkerID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
