package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/claude"
	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/teams"
)

// Remote runs the agent CLI on another host through an SSH session. Same
// state machine and framing as Local; the command is wrapped into a shell
// line so the remote side produces the identical stdio dialect. There is
// no pid: the child belongs to the remote sshd.
type Remote struct {
	core
	remote *teams.RemoteConfig

	procMu  sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	stdinC  io.WriteCloser
}

// NewRemote creates a remote transport for a team with a remote descriptor.
func NewRemote(opts Options, remote *teams.RemoteConfig) *Remote {
	r := &Remote{remote: remote}
	r.core.init(opts, "remote")
	return r
}

// Kind identifies the transport variant.
func (r *Remote) Kind() string { return "remote" }

// Pid always returns 0; the child process lives on the remote host.
func (r *Remote) Pid() int { return 0 }

// Spawn dials the remote host, writes the session's MCP config file over
// the SSH channel, starts the agent and blocks until warm-up finished.
func (r *Remote) Spawn(ctx context.Context, spawnEntry *cache.Entry, command *claude.Command, timeout time.Duration) error {
	if err := r.beginSpawn(r.removeRemoteConfig); err != nil {
		return err
	}

	client, err := dialSSH(r.remote, r.log)
	if err != nil {
		r.feed.Set(StatusError)
		return &SpawnError{Reason: "ssh dial failed", Err: err}
	}

	if len(r.opts.MCPConfigData) > 0 && r.opts.MCPConfigPath != "" {
		if err := writeRemoteFile(client, r.opts.MCPConfigPath, r.opts.MCPConfigData); err != nil {
			_ = client.Close()
			r.feed.Set(StatusError)
			return &SpawnError{Reason: "failed to write remote mcp config", Err: err}
		}
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		r.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to open ssh session", Err: err}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		r.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to attach stdin", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		r.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to attach stdout", Err: err}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		r.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to attach stderr", Err: err}
	}

	r.procMu.Lock()
	r.client = client
	r.session = session
	r.stdinC = stdin
	r.procMu.Unlock()

	r.bindSpawnEntry(spawnEntry)

	shellLine := command.ShellLine()
	if err := session.Start(shellLine); err != nil {
		r.unbindEntry()
		r.teardownSSH()
		r.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to start remote agent", Err: err}
	}

	r.attachStdin(stdin)
	r.log.Info("remote agent started",
		zap.String("host", r.remote.Addr()),
		zap.String("command", shellLine))

	go r.readLoop(stdout)
	go r.logStderr(stderr)
	go r.waitExit(session)

	if err := r.writeTell(spawnEntry.TellString()); err != nil {
		r.feed.Set(StatusError)
		return &SpawnError{Reason: "failed to write warm-up ping", Err: err}
	}

	return r.awaitSpawn(ctx, spawnEntry, timeout)
}

// waitExit reaps the SSH session. The config cleanup inside handleChildExit
// needs the client, so the client closes after it has run.
func (r *Remote) waitExit(session *ssh.Session) {
	err := session.Wait()
	r.handleChildExit(err)
	r.teardownSSH()
}

func (r *Remote) teardownSSH() {
	r.procMu.Lock()
	client := r.client
	session := r.session
	r.client = nil
	r.session = nil
	r.stdinC = nil
	r.procMu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	if client != nil {
		_ = client.Close()
	}
}

// Terminate closes stdin and signals the remote child, escalating to
// KILL and channel teardown after the grace window. Many sshd builds
// ignore signal requests, so closing the channel is the reliable kill.
func (r *Remote) Terminate(ctx context.Context, force bool) error {
	if r.feed.Get() == StatusStopped {
		return nil
	}

	r.procMu.Lock()
	session := r.session
	stdin := r.stdinC
	r.procMu.Unlock()

	if session == nil {
		r.feed.Set(StatusStopped)
		return nil
	}

	r.feed.Set(StatusTerminating)
	exitCh := r.exitChannel()

	if !force {
		if stdin != nil {
			_ = stdin.Close()
		}
		_ = session.Signal(ssh.SIGTERM)

		select {
		case <-exitCh:
			return nil
		case <-ctx.Done():
		case <-time.After(r.opts.gracefulTimeout()):
		}
	}

	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		r.log.Warn("remote agent did not exit after channel teardown")
		r.handleChildExit(ErrProcessExited)
		r.teardownSSH()
	}
	return nil
}

// removeRemoteConfig deletes the session's MCP config on the remote host.
// Runs from handleChildExit while the client is still connected.
func (r *Remote) removeRemoteConfig() {
	if r.opts.MCPConfigPath == "" {
		return
	}
	r.procMu.Lock()
	client := r.client
	r.procMu.Unlock()
	if client == nil {
		return
	}

	session, err := client.NewSession()
	if err != nil {
		r.log.Warn("failed to open session for mcp config cleanup", zap.Error(err))
		return
	}
	defer func() { _ = session.Close() }()

	if err := session.Run("rm -f " + claude.ShellQuote(r.opts.MCPConfigPath)); err != nil {
		r.log.Warn("failed to remove remote mcp config",
			zap.String("path", r.opts.MCPConfigPath),
			zap.Error(err))
	}
}

// writeRemoteFile streams data into path on the remote host, creating the
// parent directory first.
func writeRemoteFile(client *ssh.Client, filePath string, data []byte) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer func() { _ = session.Close() }()

	session.Stdin = bytes.NewReader(data)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s",
		claude.ShellQuote(path.Dir(filePath)),
		claude.ShellQuote(filePath))
	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("remote write failed: %w", err)
	}
	return nil
}

func dialSSH(remote *teams.RemoteConfig, log *logger.Logger) (*ssh.Client, error) {
	username := remote.User
	if username == "" {
		current, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("no ssh user configured and none resolvable: %w", err)
		}
		username = current.Username
	}

	auth, err := sshAuthMethods(remote)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback(log),
		Timeout:         15 * time.Second,
	}

	client, err := ssh.Dial("tcp", remote.Addr(), config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", remote.Addr(), err)
	}
	return client, nil
}

func sshAuthMethods(remote *teams.RemoteConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if remote.IdentityFile != "" {
		key, err := os.ReadFile(remote.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh auth available: set remote.identityFile or run an ssh agent")
	}
	return methods, nil
}

func hostKeyCallback(log *logger.Logger) ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		knownHosts := filepath.Join(home, ".ssh", "known_hosts")
		if callback, err := knownhosts.New(knownHosts); err == nil {
			return callback
		}
	}
	log.Warn("no usable known_hosts file, skipping host key verification")
	return ssh.InsecureIgnoreHostKey()
}
