package orchestrator

import (
	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/pool"
	"github.com/iris-hq/iris/internal/session"
)

// TellResult is the caller-visible outcome of a Tell.
type TellResult struct {
	Success   bool   `json:"success"`
	Async     bool   `json:"async,omitempty"`
	Response  string `json:"response,omitempty"`
	SessionID string `json:"sessionId"`
	EntryID   int64  `json:"entryId"`
	Error     string `json:"error,omitempty"`
}

// Wake statuses.
const (
	WakeAwake  = "awake"
	WakeWaking = "waking"
	WakeError  = "error"
)

// WakeResult reports one team's wake outcome.
type WakeResult struct {
	Success   bool   `json:"success"`
	Team      string `json:"team"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	Pid       int    `json:"pid,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SleepResult reports a Sleep outcome. Sleeping a team that is not awake
// succeeds; the call is idempotent.
type SleepResult struct {
	Success  bool   `json:"success"`
	Team     string `json:"team"`
	WasAwake bool   `json:"wasAwake"`
	Error    string `json:"error,omitempty"`
}

// WakeAllResult aggregates per-team wake outcomes.
type WakeAllResult struct {
	Success bool         `json:"success"`
	Results []WakeResult `json:"results"`
}

// TeamInfo is one row of the Teams listing.
type TeamInfo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Remote bool   `json:"remote"`
	Awake  bool   `json:"awake"`
}

// Report is the full view of one session: the persisted row, the runtime
// cache statistics, and the entry list.
type Report struct {
	Session *session.Session    `json:"session"`
	Stats   cache.Stats         `json:"stats"`
	Entries []cache.EntryView   `json:"entries"`
	Process *pool.ProcessStatus `json:"process,omitempty"`
}
