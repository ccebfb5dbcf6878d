package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/claude"
	"github.com/iris-hq/iris/internal/common/logger"
)

// maxLineBytes caps one stream-json line. Large tool results can run to
// megabytes; beyond this the scanner errors and the child is torn down.
const maxLineBytes = 10 * 1024 * 1024

// core carries the state machine, stdio framing and metrics shared by the
// local and remote transports. The embedding transport owns process
// creation and signalling; core owns everything that happens on the pipes.
type core struct {
	opts Options
	log  *logger.Logger
	feed *statusFeed

	mu            sync.Mutex
	currentEntry  *cache.Entry
	initSeen      bool
	initCh        chan struct{}
	exitCh        chan struct{}
	exitOnce      *sync.Once
	spawnTime     time.Time
	cleanupConfig func()

	stdin   io.Writer
	stdinMu sync.Mutex

	messagesProcessed atomic.Int64
	lastResponseMs    atomic.Int64
}

func (c *core) init(opts Options, kind string) {
	c.opts = opts
	c.log = opts.Logger.WithFields(
		zap.String("transport", kind),
		zap.String("key", opts.Key),
		zap.String("session_id", opts.SessionID),
	)
	c.feed = newStatusFeed(StatusStopped)
}

// beginSpawn moves STOPPED to SPAWNING and resets per-spawn state. cleanup
// runs exactly once when the child goes away, before the transport reports
// STOPPED-adjacent state to anyone waiting on exit.
func (c *core) beginSpawn(cleanup func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status := c.feed.Get(); status != StatusStopped {
		return fmt.Errorf("cannot spawn from status %s", status)
	}
	c.currentEntry = nil
	c.initSeen = false
	c.initCh = make(chan struct{})
	c.exitCh = make(chan struct{})
	c.exitOnce = new(sync.Once)
	c.spawnTime = time.Now().UTC()
	c.cleanupConfig = cleanup
	c.messagesProcessed.Store(0)
	c.lastResponseMs.Store(0)
	c.feed.Set(StatusSpawning)
	return nil
}

func (c *core) attachStdin(w io.Writer) {
	c.stdinMu.Lock()
	c.stdin = w
	c.stdinMu.Unlock()
}

func (c *core) writeFrame(data []byte) error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()

	if c.stdin == nil {
		return ErrNotReady
	}
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("stdin write failed: %w", err)
	}
	return nil
}

func (c *core) writeTell(text string) error {
	data, err := claude.EncodeUserMessage(text)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

// bindSpawnEntry routes the warm-up entry while the transport is still
// SPAWNING; the READY guard of bindEntry does not apply to it.
func (c *core) bindSpawnEntry(entry *cache.Entry) {
	c.mu.Lock()
	c.currentEntry = entry
	c.mu.Unlock()
}

// bindEntry routes entry as the current one. Implements the
// ready-and-not-busy contract of ExecuteTell.
func (c *core) bindEntry(entry *cache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch status := c.feed.Get(); {
	case status == StatusBusy || c.currentEntry != nil:
		return ErrBusy
	case status != StatusReady:
		return fmt.Errorf("%w: status %s", ErrNotReady, status)
	}
	c.currentEntry = entry
	c.feed.Set(StatusBusy)
	return nil
}

func (c *core) unbindEntry() {
	c.mu.Lock()
	c.currentEntry = nil
	c.mu.Unlock()
}

// ExecuteTell writes the entry's tell to the child. The per-key mutex in
// the orchestrator is what keeps concurrent callers out; the guards here
// catch misuse.
func (c *core) ExecuteTell(entry *cache.Entry) error {
	if err := c.bindEntry(entry); err != nil {
		return err
	}
	if err := c.writeTell(entry.TellString()); err != nil {
		// A broken stdin means the child is gone.
		c.unbindEntry()
		entry.Terminate()
		c.log.Warn("stdin write failed, treating child as exited", zap.Error(err))
		c.handleChildExit(err)
		return fmt.Errorf("%w: %v", ErrProcessExited, err)
	}
	return nil
}

// Cancel writes the cancel byte. Best-effort by contract.
func (c *core) Cancel() error {
	return c.writeFrame([]byte{claude.CancelByte})
}

// readLoop consumes the child's stdout until EOF. Runs on its own
// goroutine per spawn.
func (c *core) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug("stdout closed", zap.Error(err))
	}
}

// logStderr drains the child's stderr. The --debug flag makes the CLI
// chatty there; every line lands at debug level.
func (c *core) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4*1024), 1024*1024)
	for scanner.Scan() {
		c.log.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
}

func (c *core) handleLine(line []byte) {
	msg, err := claude.ParseMessage(line)
	if err != nil {
		c.log.Warn("dropping unparseable stream line",
			zap.Error(err),
			zap.String("line", truncateForLog(line)))
		return
	}

	now := time.Now().UTC()
	isResult := msg.IsResult()

	c.mu.Lock()
	entry := c.currentEntry
	if msg.IsInit() && !c.initSeen {
		c.initSeen = true
		close(c.initCh)
	}
	if isResult {
		c.currentEntry = nil
	}
	c.mu.Unlock()

	if entry != nil {
		cm := cache.Message{Timestamp: now, Type: msg.Type, Subtype: msg.Subtype, Raw: msg.Raw}
		if err := entry.Append(cm); err != nil {
			// Append after the terminal transition: log and drop.
			c.log.Warn("dropping message for terminal entry",
				zap.Int64("entry_id", entry.ID()),
				zap.String("type", msg.Type))
		} else if c.opts.Publisher != nil {
			c.opts.Publisher.PublishMessage(c.opts.SessionID, entry.ID(), cm)
		}
	}

	if isResult {
		c.messagesProcessed.Add(1)
		c.lastResponseMs.Store(now.UnixMilli())
		if entry != nil {
			entry.Complete()
		}
	}
	if isResult || msg.IsInit() {
		c.recomputeStatus()
	}
}

// recomputeStatus applies the READY definition: init seen and no routed
// entry. SPAWNING and BUSY collapse to READY when that holds; ExecuteTell
// is the only writer of BUSY.
func (c *core) recomputeStatus() {
	c.mu.Lock()
	init := c.initSeen
	hasEntry := c.currentEntry != nil
	c.mu.Unlock()

	if !init || hasEntry {
		return
	}
	switch c.feed.Get() {
	case StatusSpawning, StatusBusy:
		c.feed.Set(StatusReady)
	}
}

// handleChildExit runs the once-per-spawn teardown: the routed entry is
// terminated, watchers see STOPPED, and the session's MCP config file is
// removed best-effort.
func (c *core) handleChildExit(exitErr error) {
	c.mu.Lock()
	once := c.exitOnce
	c.mu.Unlock()
	if once == nil {
		return
	}

	once.Do(func() {
		c.mu.Lock()
		entry := c.currentEntry
		c.currentEntry = nil
		c.initSeen = false
		exitCh := c.exitCh
		cleanup := c.cleanupConfig
		c.mu.Unlock()

		if entry != nil {
			entry.Terminate()
		}
		if cleanup != nil {
			cleanup()
		}
		c.feed.Set(StatusStopped)
		close(exitCh)

		if exitErr != nil {
			c.log.Info("agent child exited", zap.Error(exitErr))
		} else {
			c.log.Info("agent child exited")
		}
	})
}

// awaitSpawn blocks until warm-up finished: init sentinel seen and the
// spawn entry terminal. timeout moves the transport to ERROR.
func (c *core) awaitSpawn(ctx context.Context, entry *cache.Entry, timeout time.Duration) error {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.Lock()
	initCh, exitCh := c.initCh, c.exitCh
	c.mu.Unlock()

	select {
	case <-initCh:
	case <-exitCh:
		return &SpawnError{Reason: "agent exited during warm-up", Err: ErrProcessExited}
	case <-deadline.Done():
		c.feed.Set(StatusError)
		return ErrSpawnTimeout
	}

	status, err := entry.Wait(deadline)
	if err != nil {
		select {
		case <-exitCh:
			return &SpawnError{Reason: "agent exited during warm-up", Err: ErrProcessExited}
		default:
		}
		c.feed.Set(StatusError)
		return ErrSpawnTimeout
	}
	switch status {
	case cache.StatusCompleted:
		return nil
	case cache.StatusTerminated:
		return &SpawnError{Reason: "agent exited during warm-up", Err: ErrProcessExited}
	default:
		c.feed.Set(StatusError)
		return &SpawnError{Reason: entry.ErrorReason()}
	}
}

func (c *core) exitChannel() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCh
}

// Accessors shared by both transports.

func (c *core) Status() Status { return c.feed.Get() }

func (c *core) Ready() bool { return c.feed.Get() == StatusReady }

func (c *core) Busy() bool { return c.feed.Get() == StatusBusy }

func (c *core) SubscribeStatus() (<-chan Status, func()) { return c.feed.Subscribe() }

func (c *core) SessionID() string { return c.opts.SessionID }

func (c *core) Key() string { return c.opts.Key }

func (c *core) Metrics() Metrics {
	c.mu.Lock()
	spawn := c.spawnTime
	c.mu.Unlock()

	m := Metrics{
		SpawnTime:         spawn,
		MessagesProcessed: c.messagesProcessed.Load(),
	}
	if !spawn.IsZero() {
		m.Uptime = time.Since(spawn).Seconds()
	}
	if ms := c.lastResponseMs.Load(); ms > 0 {
		m.LastResponseAt = time.UnixMilli(ms).UTC()
	}
	return m
}

func truncateForLog(line []byte) string {
	const max = 256
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}
