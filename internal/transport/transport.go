// Package transport manages one agent CLI child per pool key: spawning it,
// framing tells over stdin, routing its stream-json stdout into cache
// entries, and tearing it down. Local children run as forked processes,
// remote children run through an SSH session; both share the same state
// machine and framing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/claude"
	"github.com/iris-hq/iris/internal/common/logger"
)

// Status is the transport state machine value.
type Status string

const (
	StatusStopped     Status = "stopped"
	StatusSpawning    Status = "spawning"
	StatusReady       Status = "ready"
	StatusBusy        Status = "busy"
	StatusTerminating Status = "terminating"
	StatusError       Status = "error"
)

// Live reports whether the transport has (or is acquiring) a child process.
func (s Status) Live() bool {
	return s == StatusSpawning || s == StatusReady || s == StatusBusy || s == StatusTerminating
}

var (
	// ErrNotReady is returned by ExecuteTell before init or after stop.
	// Callers hold the per-key mutex, so hitting this is a programming
	// error, not a load condition.
	ErrNotReady = errors.New("transport not ready")

	// ErrBusy is returned by ExecuteTell while an entry is in flight.
	ErrBusy = errors.New("transport busy")

	// ErrSpawnTimeout is returned when the child does not produce the
	// init and result sentinels within the spawn timeout.
	ErrSpawnTimeout = errors.New("spawn timed out waiting for agent init")

	// ErrProcessExited is returned when the child goes away mid-operation.
	ErrProcessExited = errors.New("agent process exited")
)

// SpawnError wraps a spawn failure that is not a timeout: the exec itself
// failed, the child died during warm-up, or the spawn entry errored.
type SpawnError struct {
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("spawn failed: %s", e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Metrics is the per-transport runtime snapshot used by the pool's LRU
// policy and the dashboard.
type Metrics struct {
	SpawnTime         time.Time `json:"spawnTime"`
	Uptime            float64   `json:"uptimeSeconds"`
	MessagesProcessed int64     `json:"messagesProcessed"`
	LastResponseAt    time.Time `json:"lastResponseAt"`
}

// StreamPublisher forwards live entry messages to watching consumers. The
// pool wires one in that gates on the cache registry's watcher counts; a
// nil publisher disables streaming.
type StreamPublisher interface {
	PublishMessage(sessionID string, entryID int64, msg cache.Message)
}

// Transport is one supervised agent child.
type Transport interface {
	// Spawn starts the child with a pre-built command, writes the spawn
	// entry's tell as the warm-up ping and blocks until the child has
	// produced the init sentinel and completed the spawn entry, or until
	// timeout (ErrSpawnTimeout) or failure (*SpawnError).
	Spawn(ctx context.Context, spawnEntry *cache.Entry, cmd *claude.Command, timeout time.Duration) error

	// ExecuteTell binds entry as the current routed entry and writes its
	// tell to stdin. Returns ErrNotReady or ErrBusy; returns once the
	// bytes are on the wire, it does not wait for the reply.
	ExecuteTell(entry *cache.Entry) error

	// Terminate shuts the child down: graceful signal, then force-kill
	// after the grace window. force skips the graceful phase. Idempotent.
	Terminate(ctx context.Context, force bool) error

	// Cancel writes the cancel byte to stdin. Best-effort, status unchanged.
	Cancel() error

	Ready() bool
	Busy() bool
	Status() Status

	// SubscribeStatus delivers the current status immediately and every
	// change afterwards, until the returned cancel func is called.
	SubscribeStatus() (<-chan Status, func())

	Metrics() Metrics

	// Pid returns the child's process id, or 0 for remote transports.
	Pid() int

	SessionID() string
	Key() string
	Kind() string
}

// Options configures a transport.
type Options struct {
	Key       string
	FromTeam  string
	ToTeam    string
	SessionID string

	// MCPConfigPath is removed on terminate, best-effort. For remote
	// transports MCPConfigData is written to that path over the SSH
	// channel during spawn.
	MCPConfigPath string
	MCPConfigData []byte

	// GracefulTimeout is how long Terminate waits between the graceful
	// signal and the kill. Defaults to 5s.
	GracefulTimeout time.Duration

	Publisher StreamPublisher
	Logger    *logger.Logger
}

func (o *Options) gracefulTimeout() time.Duration {
	if o.GracefulTimeout <= 0 {
		return 5 * time.Second
	}
	return o.GracefulTimeout
}
