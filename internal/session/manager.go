package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iris-hq/iris/internal/common/logger"
)

// Manager applies the business rules on top of the store: get-or-create
// with supervisor-minted ids, boot-time state reset, and the process-state
// bookkeeping driven by the orchestrator.
type Manager struct {
	store *Store
	log   *logger.Logger
}

// NewManager wraps a store.
func NewManager(store *Store, log *logger.Logger) *Manager {
	return &Manager{
		store: store,
		log:   log.WithFields(zap.String("component", "session-manager")),
	}
}

// Store exposes the underlying store for callers that need raw row access.
func (m *Manager) Store() *Store { return m.store }

// GetOrCreate returns the session for the pair, minting a fresh id and
// inserting a row on first contact. The minted id is the one the agent CLI
// adopts via --resume on its first spawn.
func (m *Manager) GetOrCreate(ctx context.Context, fromTeam, toTeam string) (*Session, error) {
	if fromTeam == "" || toTeam == "" {
		return nil, fmt.Errorf("fromTeam and toTeam are required")
	}

	sess, err := m.store.GetByPair(ctx, fromTeam, toTeam)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	sessionID := uuid.NewString()
	sess, err = m.store.Create(ctx, fromTeam, toTeam, sessionID, "", "")
	if err != nil {
		// A concurrent caller may have won the insert.
		if errors.Is(err, ErrSessionExists) {
			return m.store.GetByPair(ctx, fromTeam, toTeam)
		}
		return nil, err
	}

	m.log.Info("created session",
		zap.String("from_team", fromTeam),
		zap.String("to_team", toTeam),
		zap.String("session_id", sessionID))
	return sess, nil
}

// Get returns the session for the pair without creating one.
func (m *Manager) Get(ctx context.Context, fromTeam, toTeam string) (*Session, error) {
	return m.store.GetByPair(ctx, fromTeam, toTeam)
}

// GetBySessionID resolves a session id back to its row.
func (m *Manager) GetBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.GetBySessionID(ctx, sessionID)
}

// List returns sessions matching the filter.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Session, error) {
	return m.store.List(ctx, filter)
}

// UpdateProcessState records a pool-reported transition. Only the
// orchestrator calls this; transports never touch the store.
func (m *Manager) UpdateProcessState(ctx context.Context, sessionID, state string) error {
	if err := m.store.UpdateProcessState(ctx, sessionID, state); err != nil {
		return err
	}
	m.log.Debug("process state updated",
		zap.String("session_id", sessionID),
		zap.String("state", state))
	return nil
}

// RecordSpawn stores the debug snapshot of a spawn: the exact command line
// and the config the child was launched with, plus the cache pointer.
func (m *Manager) RecordSpawn(ctx context.Context, sessionID, launchCommand, configSnapshot string) error {
	if err := m.store.UpdateDebugInfo(ctx, sessionID, launchCommand, configSnapshot); err != nil {
		return err
	}
	return m.store.SetCurrentCacheSessionID(ctx, sessionID, sessionID)
}

// RecordCompletion runs the post-tell bookkeeping: message count, response
// time, and the idle state.
func (m *Manager) RecordCompletion(ctx context.Context, sessionID string, at int64) error {
	if err := m.store.IncrementMessageCount(ctx, sessionID, 1); err != nil {
		return err
	}
	if err := m.store.UpdateLastResponse(ctx, sessionID, at); err != nil {
		return err
	}
	return m.store.UpdateProcessState(ctx, sessionID, StateIdle)
}

// Archive marks the session archived; the row (and its session id) survives.
func (m *Manager) Archive(ctx context.Context, sessionID string) error {
	return m.store.UpdateStatus(ctx, sessionID, StatusArchived)
}

// ResetProcessStates forces every persisted row to stopped. Runs exactly
// once at boot, before the pool accepts work.
func (m *Manager) ResetProcessStates(ctx context.Context) error {
	n, err := m.store.ResetAllProcessStates(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info("reset stale process states", zap.Int64("rows", n))
	}
	return nil
}
