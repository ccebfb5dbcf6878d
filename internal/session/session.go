// Package session persists the conversation identity between team pairs
// and the business rules around it. One row exists per (fromTeam, toTeam);
// its sessionId never changes for the life of the row and is handed to the
// agent CLI via --resume on every spawn.
package session

import (
	"database/sql"
	"time"
)

// Session lifecycle status.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Process states recorded on the session row. The row records intent; the
// pool is authoritative about whether a process actually exists.
const (
	StateStopped    = "stopped"
	StateSpawning   = "spawning"
	StateIdle       = "idle"
	StateProcessing = "processing"
)

// ValidProcessState reports whether s is one of the recognised states.
func ValidProcessState(s string) bool {
	switch s {
	case StateStopped, StateSpawning, StateIdle, StateProcessing:
		return true
	}
	return false
}

// Session is one row of the team_sessions table. Timestamps are epoch
// milliseconds.
type Session struct {
	ID                    int64          `db:"id" json:"id"`
	FromTeam              string         `db:"from_team" json:"fromTeam"`
	ToTeam                string         `db:"to_team" json:"toTeam"`
	SessionID             string         `db:"session_id" json:"sessionId"`
	CreatedAt             int64          `db:"created_at" json:"createdAt"`
	LastUsedAt            int64          `db:"last_used_at" json:"lastUsedAt"`
	MessageCount          int64          `db:"message_count" json:"messageCount"`
	Status                string         `db:"status" json:"status"`
	ProcessState          string         `db:"process_state" json:"processState"`
	CurrentCacheSessionID sql.NullString `db:"current_cache_session_id" json:"-"`
	LastResponseAt        sql.NullInt64  `db:"last_response_at" json:"-"`
	LaunchCommand         sql.NullString `db:"launch_command" json:"-"`
	TeamConfigSnapshot    sql.NullString `db:"team_config_snapshot" json:"-"`
}

// Key returns the pool key form of the session's team pair.
func (s *Session) Key() string {
	return s.FromTeam + "->" + s.ToTeam
}

// LastResponse returns the last response time, or the zero time when the
// session has never completed a tell.
func (s *Session) LastResponse() time.Time {
	if !s.LastResponseAt.Valid {
		return time.Time{}
	}
	return time.UnixMilli(s.LastResponseAt.Int64).UTC()
}

// nowMillis is the single clock used for row timestamps.
func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
