// Package cache holds the in-memory message cache: one SessionCache per
// live session, each an insertion-ordered list of request entries. The
// cache is a runtime view only and is never persisted.
package cache

import "sync"

// Stats summarises a session cache for the dashboard.
type Stats struct {
	Total     int `json:"total"`
	Spawn     int `json:"spawn"`
	Tell      int `json:"tell"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

// SessionCache is the per-session entry store. Entry ids are monotonic
// within the session, starting at 1.
type SessionCache struct {
	mu        sync.RWMutex
	sessionID string
	nextID    int64
	entries   []*Entry
	byID      map[int64]*Entry
}

// NewSessionCache creates an empty cache for the given session.
func NewSessionCache(sessionID string) *SessionCache {
	return &SessionCache{
		sessionID: sessionID,
		nextID:    1,
		byID:      make(map[int64]*Entry),
	}
}

// SessionID returns the session this cache belongs to.
func (c *SessionCache) SessionID() string {
	return c.sessionID
}

// StartEntry creates and registers a new active entry.
func (c *SessionCache) StartEntry(kind Kind, tellString string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := newEntry(c.nextID, kind, tellString)
	c.nextID++
	c.entries = append(c.entries, entry)
	c.byID[entry.ID()] = entry
	return entry
}

// Entries returns all entries in insertion order.
func (c *SessionCache) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// ByID looks up an entry by id.
func (c *SessionCache) ByID(id int64) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.byID[id]
	return entry, ok
}

// Len returns the number of entries.
func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats counts entries by kind and status.
func (c *SessionCache) Stats() Stats {
	c.mu.RLock()
	entries := make([]*Entry, len(c.entries))
	copy(entries, c.entries)
	c.mu.RUnlock()

	stats := Stats{Total: len(entries)}
	for _, entry := range entries {
		switch entry.Kind() {
		case KindSpawn:
			stats.Spawn++
		case KindTell:
			stats.Tell++
		}
		switch entry.Status() {
		case StatusActive:
			stats.Active++
		case StatusCompleted:
			stats.Completed++
		}
	}
	return stats
}
