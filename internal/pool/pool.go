// Package pool owns the bounded collection of live agent transports, keyed
// by "<fromTeam>-><toTeam>". It spawns transports on demand, evicts the
// least recently used READY transport when capacity is reached, reconciles
// spontaneous child exits, and fans lifecycle events out on the bus.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iris-hq/iris/internal/cache"
	"github.com/iris-hq/iris/internal/claude"
	"github.com/iris-hq/iris/internal/common/logger"
	"github.com/iris-hq/iris/internal/events"
	"github.com/iris-hq/iris/internal/events/bus"
	"github.com/iris-hq/iris/internal/teams"
	"github.com/iris-hq/iris/internal/transport"
)

// ErrPoolFull is returned when the pool is at capacity and no transport is
// evictable. The pool never queues; callers surface this.
var ErrPoolFull = errors.New("process pool is full")

// Key builds the pool key for a team pair.
func Key(fromTeam, toTeam string) string {
	return fromTeam + "->" + toTeam
}

// SpawnRecorder receives the debug snapshot of each spawn. The session
// manager implements it; the pool never touches the store directly.
type SpawnRecorder interface {
	RecordSpawn(ctx context.Context, sessionID, launchCommand, configSnapshot string) error
}

// TransportFactory builds the transport for a team. Production wiring picks
// local or remote from the team config; tests inject fakes.
type TransportFactory func(team *teams.Team, opts transport.Options) transport.Transport

// Options configures the pool.
type Options struct {
	MaxProcesses        int
	SessionInitTimeout  time.Duration
	GracefulTimeout     time.Duration
	HealthCheckInterval time.Duration

	// Factory defaults to the local/remote split on team config.
	Factory  TransportFactory
	Recorder SpawnRecorder
}

func (o *Options) sessionInitTimeout() time.Duration {
	if o.SessionInitTimeout <= 0 {
		return 60 * time.Second
	}
	return o.SessionInitTimeout
}

func (o *Options) healthCheckInterval() time.Duration {
	if o.HealthCheckInterval <= 0 {
		return 30 * time.Second
	}
	return o.HealthCheckInterval
}

// managed is one pool slot. done closes when the spawn attempt finished;
// spawnErr is set before done closes and never written afterwards.
type managed struct {
	key       string
	fromTeam  string
	toTeam    string
	sessionID string
	tr        transport.Transport

	done     chan struct{}
	spawnErr error

	watchCancel func()
}

func (m *managed) wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.spawnErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool is the keyed transport collection.
type Pool struct {
	opts    Options
	teams   *teams.Registry
	builder *claude.Builder
	caches  *cache.Registry
	bus     bus.EventBus
	log     *logger.Logger

	mu    sync.RWMutex
	procs map[string]*managed

	healthStop chan struct{}
	healthDone chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once
}

// New creates an empty pool.
func New(opts Options, registry *teams.Registry, builder *claude.Builder, caches *cache.Registry, eventBus bus.EventBus, log *logger.Logger) *Pool {
	p := &Pool{
		opts:       opts,
		teams:      registry,
		builder:    builder,
		caches:     caches,
		bus:        eventBus,
		log:        log.WithFields(zap.String("component", "pool")),
		procs:      make(map[string]*managed),
		healthStop: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	if p.opts.Factory == nil {
		p.opts.Factory = p.defaultFactory
	}
	return p
}

func (p *Pool) defaultFactory(team *teams.Team, opts transport.Options) transport.Transport {
	if team.IsRemote() {
		return transport.NewRemote(opts, team.Remote)
	}
	return transport.NewLocal(opts)
}

// Start launches the health-check sweep. Idempotent.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		go p.healthLoop()
	})
}

// GetOrCreate returns the live transport for the pair, spawning one when
// absent. Idempotent by pool key: concurrent callers share one spawn.
// Returns ErrPoolFull when at capacity with no evictable victim, and
// teams.ErrTeamNotFound for unknown teams.
func (p *Pool) GetOrCreate(ctx context.Context, toTeam, sessionID, fromTeam string) (transport.Transport, error) {
	team, err := p.teams.Get(toTeam)
	if err != nil {
		return nil, err
	}
	key := Key(fromTeam, toTeam)

	for {
		slot, created, err := p.claimSlot(ctx, key, fromTeam, toTeam, sessionID)
		if err != nil {
			return nil, err
		}
		if created {
			if err := p.runSpawn(ctx, slot, team); err != nil {
				return nil, err
			}
			return slot.tr, nil
		}

		if err := slot.wait(ctx); err != nil {
			return nil, err
		}
		if slot.tr.Status().Live() {
			return slot.tr, nil
		}
		// The child died since its spawn; drop the stale slot and retry.
		p.dropSlot(slot, false)
	}
}

// claimSlot returns the existing slot for key, or inserts a fresh one after
// the capacity check. created reports whether the caller owns the spawn.
func (p *Pool) claimSlot(ctx context.Context, key, fromTeam, toTeam, sessionID string) (*managed, bool, error) {
	for {
		p.mu.Lock()
		if slot, ok := p.procs[key]; ok {
			p.mu.Unlock()
			return slot, false, nil
		}

		victim := p.evictionVictimLocked()
		if len(p.procs) < p.opts.MaxProcesses {
			slot := p.insertLocked(key, fromTeam, toTeam, sessionID)
			p.mu.Unlock()
			return slot, true, nil
		}
		if victim == nil {
			p.mu.Unlock()
			return nil, false, fmt.Errorf("%w: %d processes, none evictable", ErrPoolFull, p.opts.MaxProcesses)
		}
		delete(p.procs, victim.key)
		p.mu.Unlock()

		p.log.Info("evicting least recently used transport",
			zap.String("victim", victim.key),
			zap.String("for", key))
		p.retire(ctx, victim, false)
		// Loop: re-check under the lock, another caller may have raced us.
	}
}

func (p *Pool) insertLocked(key, fromTeam, toTeam, sessionID string) *managed {
	slot := &managed{
		key:       key,
		fromTeam:  fromTeam,
		toTeam:    toTeam,
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
	p.procs[key] = slot
	return slot
}

// evictionVictimLocked picks the READY transport with the oldest
// lastResponseAt, breaking ties on oldest spawnTime. Nil when nothing is
// evictable.
func (p *Pool) evictionVictimLocked() *managed {
	var victim *managed
	var victimM transport.Metrics
	for _, slot := range p.procs {
		select {
		case <-slot.done:
		default:
			continue // still spawning
		}
		if slot.tr == nil || slot.tr.Status() != transport.StatusReady {
			continue
		}
		m := slot.tr.Metrics()
		if victim == nil || olderThan(m, victimM) {
			victim, victimM = slot, m
		}
	}
	return victim
}

func olderThan(a, b transport.Metrics) bool {
	if !a.LastResponseAt.Equal(b.LastResponseAt) {
		return a.LastResponseAt.Before(b.LastResponseAt)
	}
	return a.SpawnTime.Before(b.SpawnTime)
}

// runSpawn performs the spawn the slot's owner is responsible for: MCP
// config, command build, transport construction, the SPAWN ping entry, and
// the wait for init+result.
func (p *Pool) runSpawn(ctx context.Context, slot *managed, team *teams.Team) (err error) {
	defer func() {
		slot.spawnErr = err
		close(slot.done)
		if err != nil {
			p.dropSlot(slot, false)
			p.publish(events.ProcessError, events.ProcessErrorEvent{
				Key:      slot.key,
				TeamName: slot.toTeam,
				Error:    err.Error(),
			})
		}
	}()

	mcpPath := claude.ConfigPath(team.Path, slot.sessionID)
	var mcpData []byte
	if team.IsRemote() {
		// The remote transport writes the rendered bytes over SSH itself.
		mcpData, err = claude.RenderMCPConfig(team, slot.sessionID, p.builder.DefaultPort())
		if err != nil {
			return err
		}
	} else {
		if mcpPath, err = claude.WriteMCPConfig(team, slot.sessionID, p.builder.DefaultPort()); err != nil {
			return err
		}
	}

	command := p.builder.Headless(team, slot.sessionID, mcpPath)

	tr := p.opts.Factory(team, transport.Options{
		Key:             slot.key,
		FromTeam:        slot.fromTeam,
		ToTeam:          slot.toTeam,
		SessionID:       slot.sessionID,
		MCPConfigPath:   mcpPath,
		MCPConfigData:   mcpData,
		GracefulTimeout: p.opts.GracefulTimeout,
		Publisher:       &streamPublisher{caches: p.caches, bus: p.bus, log: p.log},
		Logger:          p.log,
	})
	slot.tr = tr
	slot.watchCancel = p.watchStatus(slot)

	if p.opts.Recorder != nil {
		snapshot, snapErr := teamSnapshot(team)
		if snapErr == nil {
			if recErr := p.opts.Recorder.RecordSpawn(ctx, slot.sessionID, command.String(), snapshot); recErr != nil {
				p.log.Warn("failed to record spawn snapshot", zap.Error(recErr))
			}
		}
	}

	spawnEntry := p.caches.GetOrCreate(slot.sessionID).StartEntry(cache.KindSpawn, "ping")
	if err = tr.Spawn(ctx, spawnEntry, command, p.opts.sessionInitTimeout()); err != nil {
		// Reset the transport so a later attempt starts from STOPPED.
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = tr.Terminate(termCtx, true)
		cancel()
		return fmt.Errorf("failed to spawn agent for %s: %w", slot.key, err)
	}

	p.publish(events.ProcessSpawned, events.ProcessSpawnedEvent{
		Key:       slot.key,
		FromTeam:  slot.fromTeam,
		ToTeam:    slot.toTeam,
		SessionID: slot.sessionID,
		Pid:       tr.Pid(),
	})
	return nil
}

// watchStatus relays transport status transitions onto the bus until the
// slot is dropped.
func (p *Pool) watchStatus(slot *managed) func() {
	ch, cancel := slot.tr.SubscribeStatus()
	go func() {
		for status := range ch {
			p.publish(events.ProcessStatus, events.ProcessStatusEvent{
				Key:       slot.key,
				FromTeam:  slot.fromTeam,
				ToTeam:    slot.toTeam,
				SessionID: slot.sessionID,
				Status:    string(status),
				Pid:       slot.tr.Pid(),
			})
		}
	}()
	return cancel
}

// Get returns the live transport for the pair, if any.
func (p *Pool) Get(fromTeam, toTeam string) (transport.Transport, bool) {
	p.mu.RLock()
	slot, ok := p.procs[Key(fromTeam, toTeam)]
	p.mu.RUnlock()
	if !ok || slot.tr == nil {
		return nil, false
	}
	select {
	case <-slot.done:
	default:
		return nil, false
	}
	return slot.tr, slot.spawnErr == nil
}

// Spawning reports whether the pair has a spawn in flight. Callers that
// must not block on the shared spawn (wake reporting "waking") check this
// instead of joining GetOrCreate.
func (p *Pool) Spawning(fromTeam, toTeam string) bool {
	p.mu.RLock()
	slot, ok := p.procs[Key(fromTeam, toTeam)]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-slot.done:
		return false
	default:
		return true
	}
}

// GetBySessionID finds the transport serving a session id.
func (p *Pool) GetBySessionID(sessionID string) (transport.Transport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, slot := range p.procs {
		if slot.sessionID == sessionID && slot.tr != nil {
			return slot.tr, true
		}
	}
	return nil, false
}

// Terminate shuts down and removes the transport for key. Idempotent:
// unknown keys are a no-op.
func (p *Pool) Terminate(ctx context.Context, key string, force bool) error {
	p.mu.Lock()
	slot, ok := p.procs[key]
	if ok {
		delete(p.procs, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.retire(ctx, slot, force)
	return nil
}

// TerminateAll drains the pool concurrently. Each transport gets its own
// grace window.
func (p *Pool) TerminateAll(ctx context.Context) error {
	p.mu.Lock()
	slots := make([]*managed, 0, len(p.procs))
	for _, slot := range p.procs {
		slots = append(slots, slot)
	}
	p.procs = make(map[string]*managed)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range slots {
		slot := slot
		g.Go(func() error {
			p.retire(gctx, slot, false)
			return nil
		})
	}
	return g.Wait()
}

// retire waits out an in-flight spawn, terminates the transport, and
// publishes the removal. The slot must already be out of the map.
func (p *Pool) retire(ctx context.Context, slot *managed, force bool) {
	<-slot.done
	if slot.tr != nil {
		if err := slot.tr.Terminate(ctx, force); err != nil {
			p.log.Warn("transport terminate failed",
				zap.String("key", slot.key),
				zap.Error(err))
		}
	}
	p.finishSlot(slot)
}

// dropSlot removes a slot without a graceful terminate, used for spawn
// failures and exited children.
func (p *Pool) dropSlot(slot *managed, terminate bool) {
	p.mu.Lock()
	if current, ok := p.procs[slot.key]; ok && current == slot {
		delete(p.procs, slot.key)
	}
	p.mu.Unlock()

	if terminate && slot.tr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = slot.tr.Terminate(ctx, true)
		cancel()
	}
	p.finishSlot(slot)
}

func (p *Pool) finishSlot(slot *managed) {
	if slot.watchCancel != nil {
		slot.watchCancel()
		slot.watchCancel = nil
	}
	p.publish(events.ProcessTerminated, events.ProcessTerminatedEvent{
		Key:      slot.key,
		TeamName: slot.toTeam,
	})
}

// ProcessStatus is one row of the dashboard snapshot.
type ProcessStatus struct {
	Key               string    `json:"key"`
	FromTeam          string    `json:"fromTeam"`
	ToTeam            string    `json:"toTeam"`
	SessionID         string    `json:"sessionId"`
	Pid               int       `json:"pid,omitempty"`
	Status            string    `json:"status"`
	MessagesProcessed int64     `json:"messagesProcessed"`
	UptimeSeconds     float64   `json:"uptimeSeconds"`
	LastResponseAt    time.Time `json:"lastResponseAt,omitempty"`
}

// Status snapshots every pool slot for the dashboard, sorted by key.
func (p *Pool) Status() []ProcessStatus {
	p.mu.RLock()
	slots := make([]*managed, 0, len(p.procs))
	for _, slot := range p.procs {
		slots = append(slots, slot)
	}
	p.mu.RUnlock()

	out := make([]ProcessStatus, 0, len(slots))
	for _, slot := range slots {
		row := ProcessStatus{
			Key:       slot.key,
			FromTeam:  slot.fromTeam,
			ToTeam:    slot.toTeam,
			SessionID: slot.sessionID,
			Status:    string(transport.StatusSpawning),
		}
		if slot.tr != nil {
			m := slot.tr.Metrics()
			row.Pid = slot.tr.Pid()
			row.Status = string(slot.tr.Status())
			row.MessagesProcessed = m.MessagesProcessed
			row.UptimeSeconds = m.Uptime
			row.LastResponseAt = m.LastResponseAt
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of pool slots, spawning ones included.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.procs)
}

// healthLoop reconciles the map against spontaneous child exits: slots
// whose transport reached STOPPED or ERROR without going through Terminate
// are dropped.
func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.opts.healthCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.healthStop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.RLock()
	var stale []*managed
	for _, slot := range p.procs {
		select {
		case <-slot.done:
		default:
			continue
		}
		if slot.tr == nil {
			continue
		}
		if s := slot.tr.Status(); s == transport.StatusStopped || s == transport.StatusError {
			stale = append(stale, slot)
		}
	}
	p.mu.RUnlock()

	for _, slot := range stale {
		p.log.Info("health check dropping dead transport",
			zap.String("key", slot.key),
			zap.String("status", string(slot.tr.Status())))
		p.dropSlot(slot, true)
	}
}

// Stop ends the health loop. Transports are left to TerminateAll.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.Start() // ensure healthDone closes even if Start was never called
		close(p.healthStop)
		<-p.healthDone
	})
}

func (p *Pool) publish(subject string, data interface{}) {
	if p.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.bus.Publish(ctx, subject, bus.NewEvent(subject, "pool", data)); err != nil {
		p.log.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
