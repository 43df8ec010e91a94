package mcp

import "sync"

// SessionRegistry maps execution IDs to the MCP sessions watching them.
// Populated when a client calls journey.status on an open execution.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // executionID → sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]map[string]struct{})}
}

// Register subscribes a session to an execution. Registering twice is a no-op.
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[executionID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[executionID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching an execution.
func (r *SessionRegistry) SessionsFor(executionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.watchers[executionID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// Forget drops every subscription to an execution.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, executionID)
}

// Remove deletes a session from every execution it watches.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, set := range r.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watchers, eid)
		}
	}
}
