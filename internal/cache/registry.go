package cache

import (
	"sort"
	"sync"
)

// Registry maps live session ids to their caches and tracks how many
// consumers are watching each session's stream. Transports consult
// HasWatchers before publishing per-message stream events so that idle
// sessions cost nothing on the bus.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*SessionCache
	watchers map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*SessionCache),
		watchers: make(map[string]int),
	}
}

// GetOrCreate returns the cache for the session, creating it if needed.
func (r *Registry) GetOrCreate(sessionID string) *SessionCache {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sc, ok := r.sessions[sessionID]; ok {
		return sc
	}
	sc := NewSessionCache(sessionID)
	r.sessions[sessionID] = sc
	return sc
}

// Get returns the cache for the session if one exists.
func (r *Registry) Get(sessionID string) (*SessionCache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sc, ok := r.sessions[sessionID]
	return sc, ok
}

// Drop removes the session's cache and any watcher bookkeeping.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
	delete(r.watchers, sessionID)
}

// SessionIDs returns the ids of all live session caches, sorted.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddWatcher registers one consumer of the session's live stream.
func (r *Registry) AddWatcher(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[sessionID]++
}

// RemoveWatcher drops one consumer. Removing below zero is a no-op.
func (r *Registry) RemoveWatcher(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := r.watchers[sessionID]; n > 1 {
		r.watchers[sessionID] = n - 1
	} else {
		delete(r.watchers, sessionID)
	}
}

// HasWatchers reports whether anyone is watching the session's stream.
func (r *Registry) HasWatchers(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watchers[sessionID] > 0
}
