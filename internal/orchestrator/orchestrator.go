// Package orchestrator composes sessions, the process pool, and the
// message cache to service tell/wake/sleep calls. Per team pair it holds a
// mutex across the whole request so requests are observed by the child in
// caller-submission order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/pool"
	"github.com/iris-hq/iris/internal/session"
	"github.com/iris-hq/iris/internal/teams"
	"github.com/iris-hq/iris/internal/tracing"
	"github.com/iris-hq/iris/internal/transport"
)

// ErrTellTimeout is returned when a wait-mode tell exceeds its timeout. The
// entry keeps draining in the background; only the wait is abandoned.
var ErrTellTimeout = errors.New("tell timed out waiting for response")

// DefaultFromTeam identifies requests arriving from the CLI or dashboard
// rather than from another team's agent.
const DefaultFromTeam = "cli"

// Options configures the orchestrator.
type Options struct {
	DefaultTellTimeout time.Duration
	WakeParallelism    int64
}

func (o *Options) tellTimeout() time.Duration {
	if o.DefaultTellTimeout <= 0 {
		return 5 * time.Minute
	}
	return o.DefaultTellTimeout
}

func (o *Options) wakeParallelism() int64 {
	if o.WakeParallelism <= 0 {
		return 2
	}
	return o.WakeParallelism
}

// Orchestrator is the entry point for every supervisor operation.
type Orchestrator struct {
	opts     Options
	teams    *teams.Registry
	sessions *session.Manager
	pool     *pool.Pool
	caches   *cache.Registry
	log      *logger.Logger
	tracer   trace.Tracer

	// Per-key mutexes serialise tells for one pair. Entries are never
	// removed: the map is bounded by configured teams squared.
	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New wires the orchestrator.
func New(opts Options, registry *teams.Registry, sessions *session.Manager, procPool *pool.Pool, caches *cache.Registry, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		opts:     opts,
		teams:    registry,
		sessions: sessions,
		pool:     procPool,
		caches:   caches,
		log:      log.WithFields(zap.String("component", "orchestrator")),
		tracer:   tracing.Tracer("orchestrator"),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) keyLock(key string) *sync.Mutex {
	o.keyMu.Lock()
	defer o.keyMu.Unlock()
	lock, ok := o.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		o.keyLocks[key] = lock
	}
	return lock
}

// TellRequest carries one tell call.
type TellRequest struct {
	FromTeam        string
	ToTeam          string
	Message         string
	WaitForResponse bool
	Timeout         time.Duration
}

func (r *TellRequest) normalize() error {
	if r.FromTeam == "" {
		r.FromTeam = DefaultFromTeam
	}
	if r.ToTeam == "" {
		return errors.New("toTeam is required")
	}
	if r.Message == "" {
		return errors.New("message is required")
	}
	// A negative timeout is the async calling convention.
	if r.Timeout < 0 {
		r.WaitForResponse = false
		r.Timeout = 0
	}
	return nil
}

// Tell routes one message to the target team's agent. In wait mode it
// blocks until the reply completes or the timeout elapses; in async mode
// it returns as soon as the message is on the wire.
//
// The per-key mutex is held until the entry reaches a terminal status: by
// this call in wait mode, or by the background drain waiter in async mode
// and after a caller timeout. That is what makes back-to-back tells for
// one pair arrive at the child in submission order.
func (o *Orchestrator) Tell(ctx context.Context, req TellRequest) (*TellResult, error) {
	if err := req.normalize(); err != nil {
		return &TellResult{Error: err.Error()}, err
	}
	if _, err := o.teams.Get(req.ToTeam); err != nil {
		return &TellResult{Error: err.Error()}, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Tell",
		trace.WithAttributes(
			attribute.String("iris.from_team", req.FromTeam),
			attribute.String("iris.to_team", req.ToTeam),
			attribute.Bool("iris.wait", req.WaitForResponse),
		))
	defer span.End()

	sess, err := o.sessions.GetOrCreate(ctx, req.FromTeam, req.ToTeam)
	if err != nil {
		return &TellResult{Error: err.Error()}, err
	}
	sid := sess.SessionID

	key := pool.Key(req.FromTeam, req.ToTeam)
	lock := o.keyLock(key)
	lock.Lock()
	// Every return path below either unlocks directly or hands the lock to
	// the background drain waiter.

	tr, err := o.acquireTransport(ctx, req.FromTeam, req.ToTeam, sid)
	if err != nil {
		lock.Unlock()
		o.forceStopped(sid)
		return &TellResult{SessionID: sid, Error: err.Error()}, err
	}

	entry := o.caches.GetOrCreate(sid).StartEntry(cache.KindTell, req.Message)
	if err := o.sessions.UpdateProcessState(ctx, sid, session.StateProcessing); err != nil {
		o.log.Warn("failed to record processing state", zap.Error(err))
	}

	if err := tr.ExecuteTell(entry); err != nil {
		entry.Error(err.Error())
		lock.Unlock()
		if errors.Is(err, transport.ErrProcessExited) {
			o.forceStopped(sid)
		}
		return &TellResult{SessionID: sid, EntryID: entry.ID(), Error: err.Error()}, err
	}
	o.log.Info("tell dispatched",
		zap.String("key", key),
		zap.String("session_id", sid),
		zap.Int64("entry_id", entry.ID()),
		zap.Bool("wait", req.WaitForResponse))

	if !req.WaitForResponse {
		go o.drain(lock, sid, entry)
		return &TellResult{Success: true, Async: true, SessionID: sid, EntryID: entry.ID()}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.opts.tellTimeout()
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, waitErr := entry.Wait(waitCtx)
	if waitErr != nil {
		// Abandon the wait only; the entry keeps draining and the lock is
		// released once it settles, so the next tell stays ordered.
		go o.drain(lock, sid, entry)
		err := fmt.Errorf("%w after %s", ErrTellTimeout, timeout)
		return &TellResult{SessionID: sid, EntryID: entry.ID(), Error: err.Error()}, err
	}

	o.finish(sid, entry, status)
	lock.Unlock()

	switch status {
	case cache.StatusCompleted:
		return &TellResult{
			Success:   true,
			SessionID: sid,
			EntryID:   entry.ID(),
			Response:  entry.AssistantText(),
		}, nil
	case cache.StatusTerminated:
		err := fmt.Errorf("agent process exited before completing the reply")
		return &TellResult{SessionID: sid, EntryID: entry.ID(), Error: err.Error()}, err
	default:
		err := fmt.Errorf("tell failed: %s", entry.ErrorReason())
		return &TellResult{SessionID: sid, EntryID: entry.ID(), Error: err.Error()}, err
	}
}

// acquireTransport returns the live transport for the pair, spawning the
// agent when needed. The session state tracks the spawn.
func (o *Orchestrator) acquireTransport(ctx context.Context, fromTeam, toTeam, sid string) (transport.Transport, error) {
	if tr, ok := o.pool.Get(fromTeam, toTeam); ok && tr.Status().Live() {
		return tr, nil
	}

	if err := o.sessions.UpdateProcessState(ctx, sid, session.StateSpawning); err != nil {
		o.log.Warn("failed to record spawning state", zap.Error(err))
	}
	ctx, span := o.tracer.Start(ctx, "pool.GetOrCreate",
		trace.WithAttributes(attribute.String("iris.session_id", sid)))
	defer span.End()

	return o.pool.GetOrCreate(ctx, toTeam, sid, fromTeam)
}

// drain owns the per-key lock until the entry settles, then runs the same
// bookkeeping the foreground path would have run.
func (o *Orchestrator) drain(lock *sync.Mutex, sid string, entry *cache.Entry) {
	defer lock.Unlock()
	// No deadline: the entry always settles, because a child exit
	// terminates the routed entry.
	status, _ := entry.Wait(context.Background())
	o.finish(sid, entry, status)
}

// finish applies post-terminal bookkeeping for a tell entry. Completion
// counts toward messageCount regardless of whether anyone was still
// waiting; terminated and errored entries do not.
func (o *Orchestrator) finish(sid string, entry *cache.Entry, status cache.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch status {
	case cache.StatusCompleted:
		if err := o.sessions.RecordCompletion(ctx, sid, entry.CompletedAt().UnixMilli()); err != nil {
			o.log.Warn("failed to record completion",
				zap.String("session_id", sid),
				zap.Error(err))
		}
	default:
		o.forceStopped(sid)
	}
}

func (o *Orchestrator) forceStopped(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.sessions.UpdateProcessState(ctx, sid, session.StateStopped); err != nil {
		o.log.Warn("failed to record stopped state",
			zap.String("session_id", sid),
			zap.Error(err))
	}
}

// Wake spawns the team's agent without sending a user message. Waking an
// already-awake team is a no-op reporting awake.
func (o *Orchestrator) Wake(ctx context.Context, team, fromTeam string) (*WakeResult, error) {
	if fromTeam == "" {
		fromTeam = DefaultFromTeam
	}
	if _, err := o.teams.Get(team); err != nil {
		return &WakeResult{Team: team, Status: WakeError, Error: err.Error()}, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Wake",
		trace.WithAttributes(attribute.String("iris.to_team", team)))
	defer span.End()

	sess, err := o.sessions.GetOrCreate(ctx, fromTeam, team)
	if err != nil {
		return &WakeResult{Team: team, Status: WakeError, Error: err.Error()}, err
	}
	sid := sess.SessionID

	if tr, ok := o.pool.Get(fromTeam, team); ok {
		if s := tr.Status(); s.Live() {
			status := WakeAwake
			if s == transport.StatusSpawning {
				status = WakeWaking
			}
			return &WakeResult{Success: true, Team: team, Status: status, SessionID: sid, Pid: tr.Pid()}, nil
		}
	}
	// A spawn already in flight belongs to another caller; report waking
	// instead of joining its wait.
	if o.pool.Spawning(fromTeam, team) {
		return &WakeResult{Success: true, Team: team, Status: WakeWaking, SessionID: sid}, nil
	}

	if err := o.sessions.UpdateProcessState(ctx, sid, session.StateSpawning); err != nil {
		o.log.Warn("failed to record spawning state", zap.Error(err))
	}
	tr, err := o.pool.GetOrCreate(ctx, team, sid, fromTeam)
	if err != nil {
		o.forceStopped(sid)
		return &WakeResult{Team: team, Status: WakeError, SessionID: sid, Error: err.Error()}, err
	}
	if err := o.sessions.UpdateProcessState(ctx, sid, session.StateIdle); err != nil {
		o.log.Warn("failed to record idle state", zap.Error(err))
	}
	return &WakeResult{Success: true, Team: team, Status: WakeAwake, SessionID: sid, Pid: tr.Pid()}, nil
}

// Sleep terminates the team's agent. force skips the graceful window.
// Sleeping a sleeping team succeeds.
func (o *Orchestrator) Sleep(ctx context.Context, team, fromTeam string, force bool) (*SleepResult, error) {
	if fromTeam == "" {
		fromTeam = DefaultFromTeam
	}
	if _, err := o.teams.Get(team); err != nil {
		return &SleepResult{Team: team, Error: err.Error()}, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Sleep",
		trace.WithAttributes(attribute.String("iris.to_team", team)))
	defer span.End()

	key := pool.Key(fromTeam, team)
	_, wasAwake := o.pool.Get(fromTeam, team)
	if err := o.pool.Terminate(ctx, key, force); err != nil {
		return &SleepResult{Team: team, WasAwake: wasAwake, Error: err.Error()}, err
	}

	if sess, err := o.sessions.Get(ctx, fromTeam, team); err == nil {
		o.forceStopped(sess.SessionID)
	}
	return &SleepResult{Success: true, Team: team, WasAwake: wasAwake}, nil
}

// WakeAll wakes every configured team. Sequential mode wakes one team at a
// time; parallel mode dispatches them concurrently under a small semaphore,
// since unbounded parallel spawning starves the slower children. Per-team
// failures are recorded and do not stop the sweep.
func (o *Orchestrator) WakeAll(ctx context.Context, fromTeam string, parallel bool) (*WakeAllResult, error) {
	if fromTeam == "" {
		fromTeam = DefaultFromTeam
	}
	names := o.teams.Names()

	results := make([]WakeResult, len(names))
	if !parallel {
		for i, name := range names {
			res, _ := o.Wake(ctx, name, fromTeam)
			results[i] = *res
		}
	} else {
		sem := semaphore.NewWeighted(o.opts.wakeParallelism())
		var wg sync.WaitGroup
		for i, name := range names {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = WakeResult{Team: name, Status: WakeError, Error: err.Error()}
				continue
			}
			wg.Add(1)
			go func(i int, name string) {
				defer wg.Done()
				defer sem.Release(1)
				res, _ := o.Wake(ctx, name, fromTeam)
				results[i] = *res
			}(i, name)
		}
		wg.Wait()
	}

	all := &WakeAllResult{Success: true, Results: results}
	for _, res := range results {
		if !res.Success {
			all.Success = false
		}
	}
	return all, nil
}

// IsAwake reports whether the pair has a live transport.
func (o *Orchestrator) IsAwake(team, fromTeam string) (bool, error) {
	if fromTeam == "" {
		fromTeam = DefaultFromTeam
	}
	if _, err := o.teams.Get(team); err != nil {
		return false, err
	}
	tr, ok := o.pool.Get(fromTeam, team)
	return ok && tr.Status().Live(), nil
}

// Teams lists the configured teams with their awake state relative to
// fromTeam.
func (o *Orchestrator) Teams(fromTeam string) []TeamInfo {
	if fromTeam == "" {
		fromTeam = DefaultFromTeam
	}
	all := o.teams.All()
	out := make([]TeamInfo, 0, len(all))
	for _, team := range all {
		awake, _ := o.IsAwake(team.Name, fromTeam)
		out = append(out, TeamInfo{
			Name:   team.Name,
			Path:   team.Path,
			Remote: team.IsRemote(),
			Awake:  awake,
		})
	}
	return out
}

// TeamName resolves the team an agent session was spawned into. Agents call
// this over MCP to learn who they are.
func (o *Orchestrator) TeamName(ctx context.Context, sessionID string) (string, error) {
	sess, err := o.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return sess.ToTeam, nil
}

// ReportByPair builds the full session report for a team pair.
func (o *Orchestrator) ReportByPair(ctx context.Context, fromTeam, toTeam string, withMessages bool) (*Report, error) {
	if fromTeam == "" {
		fromTeam = DefaultFromTeam
	}
	sess, err := o.sessions.Get(ctx, fromTeam, toTeam)
	if err != nil {
		return nil, err
	}
	return o.buildReport(sess, withMessages), nil
}

// ReportBySessionID builds the full session report for a session id.
func (o *Orchestrator) ReportBySessionID(ctx context.Context, sessionID string, withMessages bool) (*Report, error) {
	sess, err := o.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.buildReport(sess, withMessages), nil
}

func (o *Orchestrator) buildReport(sess *session.Session, withMessages bool) *Report {
	report := &Report{Session: sess}
	if sc, ok := o.caches.Get(sess.SessionID); ok {
		report.Stats = sc.Stats()
		entries := sc.Entries()
		report.Entries = make([]cache.EntryView, 0, len(entries))
		for _, entry := range entries {
			report.Entries = append(report.Entries, entry.Snapshot(withMessages))
		}
	}
	for _, row := range o.pool.Status() {
		if row.SessionID == sess.SessionID {
			proc := row
			report.Process = &proc
			break
		}
	}
	return report
}

// Sessions lists persisted sessions.
func (o *Orchestrator) Sessions(ctx context.Context, filter session.Filter) ([]*session.Session, error) {
	return o.sessions.List(ctx, filter)
}

// ArchiveSession archives a session row. The agent, if awake, is put to
// sleep first so the row is not resurrected mid-archive.
func (o *Orchestrator) ArchiveSession(ctx context.Context, sessionID string) error {
	sess, err := o.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := o.pool.Terminate(ctx, sess.Key(), false); err != nil {
		return err
	}
	o.caches.Drop(sessionID)
	return o.sessions.Archive(ctx, sessionID)
}

// PoolStatus exposes the pool snapshot for the dashboard.
func (o *Orchestrator) PoolStatus() []pool.ProcessStatus {
	return o.pool.Status()
}
