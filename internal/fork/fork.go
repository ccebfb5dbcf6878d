// Package fork runs interactive agent sessions under a PTY so a human can
// drive a team's agent directly from the dashboard terminal. Fork sessions
// share the team pair's persisted session id but are never pooled: closing
// the terminal ends the process.
package fork

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/claude"
	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/session"
	"github.com/iris-hq/iris/internal/teams"
)

// Ring buffer for recent output, replayed to late subscribers.
const replayBufferSize = 16 * 1024

const defaultCols, defaultRows = 80, 24

// ErrForkNotFound is returned for unknown fork ids.
var ErrForkNotFound = errors.New("fork session not found")

// Info is the dashboard view of one fork.
type Info struct {
	ID        string    `json:"id"`
	Team      string    `json:"team"`
	SessionID string    `json:"sessionId"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Running   bool      `json:"running"`
}

// Session is one interactive fork: a PTY-wrapped agent process with output
// fan-out to attached terminals.
type Session struct {
	id        string
	team      string
	sessionID string
	mcpPath   string
	log       *logger.Logger

	pty *os.File
	cmd *exec.Cmd

	mu        sync.RWMutex
	running   bool
	startedAt time.Time

	subMu       sync.RWMutex
	subscribers map[chan<- []byte]struct{}

	ringMu sync.RWMutex
	ring   []byte

	doneCh chan struct{}
}

// ID returns the fork id used on the gateway surface.
func (s *Session) ID() string { return s.id }

// Info snapshots the fork for listings.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	return Info{
		ID:        s.id,
		Team:      s.team,
		SessionID: s.sessionID,
		Pid:       pid,
		StartedAt: s.startedAt,
		Running:   s.running,
	}
}

// Write sends terminal input to the agent.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.pty == nil {
		return 0, fmt.Errorf("fork %s is not running", s.id)
	}
	return s.pty.Write(data)
}

// Resize adjusts the PTY window.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.pty == nil {
		return fmt.Errorf("fork %s is not running", s.id)
	}
	return pty.Setsize(s.pty, &pty.Winsize{Cols: cols, Rows: rows})
}

// Subscribe attaches an output channel and replays the recent ring so a
// late terminal sees the current screen state. Slow subscribers drop
// chunks rather than stall the reader.
func (s *Session) Subscribe(ch chan<- []byte) {
	s.ringMu.RLock()
	if len(s.ring) > 0 {
		replay := make([]byte, len(s.ring))
		copy(replay, s.ring)
		select {
		case ch <- replay:
		default:
		}
	}
	s.ringMu.RUnlock()

	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
}

// Unsubscribe detaches an output channel.
func (s *Session) Unsubscribe(ch chan<- []byte) {
	s.subMu.Lock()
	delete(s.subscribers, ch)
	s.subMu.Unlock()
}

// Done is closed when the fork process has exited.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) readOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.appendRing(chunk)
			s.subMu.RLock()
			for ch := range s.subscribers {
				select {
				case ch <- chunk:
				default:
				}
			}
			s.subMu.RUnlock()
		}
		if err != nil {
			// EIO is the normal PTY close signal on Linux.
			return
		}
	}
}

func (s *Session) appendRing(chunk []byte) {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	s.ring = append(s.ring, chunk...)
	if over := len(s.ring) - replayBufferSize; over > 0 {
		s.ring = s.ring[over:]
	}
}

// Manager owns the set of live forks.
type Manager struct {
	teams    *teams.Registry
	sessions *session.Manager
	builder  *claude.Builder
	log      *logger.Logger

	gracefulTimeout time.Duration

	mu    sync.RWMutex
	forks map[string]*Session
}

// NewManager wires a fork manager. gracefulTimeout bounds the
// SIGTERM-to-SIGKILL window on Close.
func NewManager(registry *teams.Registry, sessions *session.Manager, builder *claude.Builder, gracefulTimeout time.Duration, log *logger.Logger) *Manager {
	if gracefulTimeout <= 0 {
		gracefulTimeout = 5 * time.Second
	}
	return &Manager{
		teams:           registry,
		sessions:        sessions,
		builder:         builder,
		gracefulTimeout: gracefulTimeout,
		log:             log.WithFields(zap.String("component", "fork")),
		forks:           make(map[string]*Session),
	}
}

// StartRequest configures one fork.
type StartRequest struct {
	Team        string
	FromTeam    string
	ForkSession bool
	Cols        int
	Rows        int
}

// Start spawns the interactive agent variant for the team under a PTY.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	team, err := m.teams.Get(req.Team)
	if err != nil {
		return nil, err
	}
	if team.IsRemote() {
		return nil, fmt.Errorf("team %s is remote: interactive forks are local only", team.Name)
	}
	fromTeam := req.FromTeam
	if fromTeam == "" {
		fromTeam = "cli"
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	sess, err := m.sessions.GetOrCreate(ctx, fromTeam, req.Team)
	if err != nil {
		return nil, err
	}

	mcpPath, err := claude.WriteMCPConfig(team, sess.SessionID, m.builder.DefaultPort())
	if err != nil {
		return nil, err
	}
	command := m.builder.Interactive(team, sess.SessionID, mcpPath, req.ForkSession)

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptyFile, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		_ = claude.RemoveMCPConfig(mcpPath)
		return nil, fmt.Errorf("failed to start fork pty: %w", err)
	}

	fork := &Session{
		id:          uuid.NewString(),
		team:        team.Name,
		sessionID:   sess.SessionID,
		mcpPath:     mcpPath,
		pty:         ptyFile,
		cmd:         cmd,
		running:     true,
		startedAt:   time.Now().UTC(),
		subscribers: make(map[chan<- []byte]struct{}),
		doneCh:      make(chan struct{}),
	}
	fork.log = m.log.WithFields(zap.String("fork_id", fork.id))

	m.mu.Lock()
	m.forks[fork.id] = fork
	m.mu.Unlock()

	m.log.Info("fork started",
		zap.String("fork_id", fork.id),
		zap.String("team", team.Name),
		zap.String("session_id", sess.SessionID),
		zap.Int("pid", cmd.Process.Pid))

	go fork.readOutput()
	go m.waitForExit(fork)

	return fork, nil
}

func (m *Manager) waitForExit(fork *Session) {
	err := fork.cmd.Wait()

	fork.mu.Lock()
	fork.running = false
	fork.mu.Unlock()
	_ = fork.pty.Close()
	_ = claude.RemoveMCPConfig(fork.mcpPath)
	close(fork.doneCh)

	m.mu.Lock()
	delete(m.forks, fork.id)
	m.mu.Unlock()

	if err != nil {
		fork.log.Info("fork exited", zap.Error(err))
	} else {
		fork.log.Info("fork exited")
	}
}

// Get returns a live fork by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fork, ok := m.forks[id]
	if !ok {
		return nil, ErrForkNotFound
	}
	return fork, nil
}

// List snapshots the live forks, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.forks))
	for _, fork := range m.forks {
		out = append(out, fork.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close terminates a fork: SIGTERM, then SIGKILL after the graceful window.
func (m *Manager) Close(ctx context.Context, id string) error {
	fork, err := m.Get(id)
	if err != nil {
		return err
	}

	fork.mu.RLock()
	proc := fork.cmd.Process
	fork.mu.RUnlock()
	if proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
	}

	select {
	case <-fork.doneCh:
		return nil
	case <-time.After(m.gracefulTimeout):
	case <-ctx.Done():
	}

	if proc != nil {
		_ = proc.Kill()
	}
	select {
	case <-fork.doneCh:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// CloseAll terminates every live fork. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.forks))
	for id := range m.forks {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil && !errors.Is(err, ErrForkNotFound) {
			m.log.Warn("fork close failed", zap.String("fork_id", id), zap.Error(err))
		}
	}
}
