package transport

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/claude"
)

// Local runs the agent CLI as a forked child in the team's workspace. The
// child gets its own process group so termination takes the whole tree
// down with it.
type Local struct {
	core

	procMu sync.Mutex
	cmd    *exec.Cmd
	stdinC io.WriteCloser
}

// NewLocal creates a local transport. The child is not started until Spawn.
func NewLocal(opts Options) *Local {
	l := &Local{}
	l.core.init(opts, "local")
	return l
}

// Kind identifies the transport variant.
func (l *Local) Kind() string { return "local" }

// Pid returns the child's process id, or 0 before spawn or after exit.
func (l *Local) Pid() int {
	l.procMu.Lock()
	defer l.procMu.Unlock()
	if l.cmd != nil && l.cmd.Process != nil {
		return l.cmd.Process.Pid
	}
	return 0
}

// Spawn forks the agent CLI and blocks until warm-up finished: the init
// sentinel arrived and the spawn entry completed via its result message.
func (l *Local) Spawn(ctx context.Context, spawnEntry *cache.Entry, command *claude.Command, timeout time.Duration) error {
	if err := l.beginSpawn(l.removeConfig); err != nil {
		return err
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	// New process group so terminate can take out the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		l.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to attach stdin", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		l.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to attach stdout", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		l.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to attach stderr", Err: err}
	}

	l.bindSpawnEntry(spawnEntry)

	if err := cmd.Start(); err != nil {
		l.unbindEntry()
		l.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to start agent process", Err: err}
	}

	l.procMu.Lock()
	l.cmd = cmd
	l.stdinC = stdin
	l.procMu.Unlock()
	l.attachStdin(stdin)

	l.log.Info("agent child started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", command.String()))

	go l.readLoop(stdout)
	go l.logStderr(stderr)
	go func() {
		l.handleChildExit(cmd.Wait())
	}()

	// The warm-up ping goes out as soon as stdin is writable.
	if err := l.writeTell(spawnEntry.TellString()); err != nil {
		l.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to write warm-up ping", Err: err}
	}

	return l.awaitSpawn(ctx, spawnEntry, timeout)
}

// Terminate shuts the child down: stdin close plus SIGTERM to the process
// group, then SIGKILL once the grace window passes. force skips straight
// to SIGKILL.
func (l *Local) Terminate(ctx context.Context, force bool) error {
	if l.feed.Get() == StatusStopped {
		// Covers a config file written for a spawn that never happened.
		l.removeConfig()
		return nil
	}

	l.procMu.Lock()
	cmd := l.cmd
	stdin := l.stdinC
	l.procMu.Unlock()

	if cmd == nil || cmd.Process == nil {
		// Spawn failed before the fork; nothing to signal.
		l.feed.Set(StatusStopped)
		l.removeConfig()
		return nil
	}

	l.feed.Set(StatusTerminating)
	exitCh := l.exitChannel()

	pid := cmd.Process.Pid
	pgid, pgErr := syscall.Getpgid(pid)
	signalTree := func(sig syscall.Signal) {
		if pgErr == nil {
			_ = syscall.Kill(-pgid, sig)
		} else {
			_ = cmd.Process.Signal(sig)
		}
	}

	if !force {
		// The CLI exits on stdin EOF in stream-json mode; the signal
		// covers children that ignore the pipe.
		if stdin != nil {
			_ = stdin.Close()
		}
		signalTree(syscall.SIGTERM)

		select {
		case <-exitCh:
			return nil
		case <-ctx.Done():
		case <-time.After(l.opts.gracefulTimeout()):
		}
	}

	signalTree(syscall.SIGKILL)

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		l.log.Warn("agent child did not exit after SIGKILL", zap.Int("pid", pid))
	}
	return nil
}

func (l *Local) removeConfig() {
	if err := claude.RemoveMCPConfig(l.opts.MCPConfigPath); err != nil {
		l.log.Warn("failed to remove mcp config",
			zap.String("path", l.opts.MCPConfigPath),
			zap.Error(err))
	}
}
