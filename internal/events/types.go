// Package events provides event types and utilities for the Iris event system.
package events

import "encoding/json"

// Event types for process lifecycle. Published by the pool and transports,
// consumed by the dashboard bridge.
const (
	ProcessSpawned    = "process.spawned"
	ProcessTerminated = "process.terminated"
	ProcessError      = "process.error"
	ProcessStatus     = "process.status"
)

// Event types for session rows.
const (
	SessionCreated  = "session.created"
	SessionArchived = "session.archived"
)

// Event types for live cache streaming. The concrete subject carries the
// session id as its last token; see BuildCacheStreamSubject.
const (
	CacheStream = "cache.stream"
)

// Event types for the permission broker.
const (
	PermissionRequest  = "permission.request"
	PermissionResolved = "permission.resolved"
	PermissionTimeout  = "permission.timeout"
)

// ProcessSpawnedEvent is published when a transport reaches READY after spawn.
type ProcessSpawnedEvent struct {
	Key       string `json:"key"`
	FromTeam  string `json:"fromTeam"`
	ToTeam    string `json:"toTeam"`
	SessionID string `json:"sessionId"`
	Pid       int    `json:"pid,omitempty"`
}

// ProcessTerminatedEvent is published when a pooled transport is removed.
type ProcessTerminatedEvent struct {
	Key      string `json:"key"`
	TeamName string `json:"teamName"`
}

// ProcessErrorEvent is published when a spawn fails or a transport errors.
type ProcessErrorEvent struct {
	Key      string `json:"key"`
	TeamName string `json:"teamName"`
	Error    string `json:"error"`
}

// ProcessStatusEvent is published on every transport status transition.
type ProcessStatusEvent struct {
	Key       string `json:"key"`
	FromTeam  string `json:"fromTeam"`
	ToTeam    string `json:"toTeam"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Pid       int    `json:"pid,omitempty"`
}

// SessionEvent is published when a session row is created or archived.
type SessionEvent struct {
	SessionID string `json:"sessionId"`
	FromTeam  string `json:"fromTeam"`
	ToTeam    string `json:"toTeam"`
}

// CacheStreamEvent carries one protocol message of a live entry to
// subscribed dashboard consumers.
type CacheStreamEvent struct {
	SessionID string          `json:"sessionId"`
	EntryID   int64           `json:"entryId"`
	Kind      string          `json:"kind"`
	Message   json.RawMessage `json:"message"`
}

// PermissionRequestEvent is published when an agent asks for tool approval.
type PermissionRequestEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Team      string          `json:"team"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
	ExpiresAt int64           `json:"expiresAt"` // epoch ms
}

// PermissionResolvedEvent is published when a pending request is decided.
type PermissionResolvedEvent struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// PermissionTimeoutEvent is published when a pending request expires unanswered.
type PermissionTimeoutEvent struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	ToolName  string `json:"toolName"`
}

// BuildCacheStreamSubject creates a cache stream subject for a specific session.
func BuildCacheStreamSubject(sessionID string) string {
	return CacheStream + "." + sessionID
}

// BuildCacheStreamWildcardSubject creates a wildcard subscription for all
// cache stream events.
func BuildCacheStreamWildcardSubject() string {
	return CacheStream + ".*"
}

// BuildProcessWildcardSubject creates a wildcard subscription for all process
// lifecycle events.
func BuildProcessWildcardSubject() string {
	return "process.>"
}

// BuildPermissionWildcardSubject creates a wildcard subscription for all
// permission broker events.
func BuildPermissionWildcardSubject() string {
	return "permission.>"
}
