package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/iris-hq/iris/internal/db"
	"github.com/iris-hq/iris/internal/db/dialect"
)

// ErrSessionNotFound is returned by lookups that match no row.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned by Create when the pair or session id is
// already taken.
var ErrSessionExists = errors.New("session already exists")

const sessionColumns = `id, from_team, to_team, session_id, created_at, last_used_at,
	message_count, status, process_state, current_cache_session_id,
	last_response_at, launch_command, team_config_snapshot`

// Store is the durable session table. Writes go through the pool's
// single-writer connection; reads go through the reader pool.
type Store struct {
	pool *db.Pool
}

// NewStore opens the store over an existing database pool, creating the
// schema when absent.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS team_sessions (
			id %s,
			from_team TEXT NOT NULL,
			to_team TEXT NOT NULL,
			session_id TEXT NOT NULL UNIQUE,
			created_at BIGINT NOT NULL,
			last_used_at BIGINT NOT NULL,
			message_count BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			process_state TEXT NOT NULL DEFAULT 'stopped',
			current_cache_session_id TEXT,
			last_response_at BIGINT,
			launch_command TEXT,
			team_config_snapshot TEXT,
			UNIQUE (from_team, to_team)
		);
		CREATE INDEX IF NOT EXISTS idx_team_sessions_pair ON team_sessions (from_team, to_team);
		CREATE INDEX IF NOT EXISTS idx_team_sessions_session_id ON team_sessions (session_id);
		CREATE INDEX IF NOT EXISTS idx_team_sessions_status ON team_sessions (status);
	`, dialect.AutoIncrementPK(s.pool.Driver()))
	_, err := s.pool.Writer().Exec(schema)
	return err
}

func (s *Store) rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(s.pool.Driver()), query)
}

// Create inserts a fresh session row. The pair and the session id must both
// be unused; violations return ErrSessionExists.
func (s *Store) Create(ctx context.Context, fromTeam, toTeam, sessionID, launchCommand, configSnapshot string) (*Session, error) {
	now := nowMillis()
	query := s.rebind(`
		INSERT INTO team_sessions
			(from_team, to_team, session_id, created_at, last_used_at,
			 message_count, status, process_state, launch_command, team_config_snapshot)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		fromTeam, toTeam, sessionID, now, now,
		StatusActive, StateStopped,
		nullable(launchCommand), nullable(configSnapshot))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s->%s", ErrSessionExists, fromTeam, toTeam)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s.GetBySessionID(ctx, sessionID)
}

// GetByPair returns the row for (fromTeam, toTeam).
func (s *Store) GetByPair(ctx context.Context, fromTeam, toTeam string) (*Session, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM team_sessions WHERE from_team = ? AND to_team = ?`)
	var sess Session
	if err := s.pool.Reader().GetContext(ctx, &sess, query, fromTeam, toTeam); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s->%s", ErrSessionNotFound, fromTeam, toTeam)
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &sess, nil
}

// GetBySessionID returns the row carrying the given session id.
func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	query := s.rebind(`SELECT ` + sessionColumns + ` FROM team_sessions WHERE session_id = ?`)
	var sess Session
	if err := s.pool.Reader().GetContext(ctx, &sess, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &sess, nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status   string
	FromTeam string
	ToTeam   string
}

// List returns sessions matching the filter, most recently used first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM team_sessions`
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.FromTeam != "" {
		conds = append(conds, "from_team = ?")
		args = append(args, filter.FromTeam)
	}
	if filter.ToTeam != "" {
		conds = append(conds, "to_team = ?")
		args = append(args, filter.ToTeam)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_used_at DESC"

	var sessions []*Session
	if err := s.pool.Reader().SelectContext(ctx, &sessions, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateLastUsed bumps last_used_at to now.
func (s *Store) UpdateLastUsed(ctx context.Context, sessionID string) error {
	return s.exec(ctx, `UPDATE team_sessions SET last_used_at = ? WHERE session_id = ?`,
		nowMillis(), sessionID)
}

// IncrementMessageCount adds delta to the session's completed-tell counter.
func (s *Store) IncrementMessageCount(ctx context.Context, sessionID string, delta int64) error {
	return s.exec(ctx, `UPDATE team_sessions SET message_count = message_count + ?, last_used_at = ? WHERE session_id = ?`,
		delta, nowMillis(), sessionID)
}

// UpdateStatus moves the row between active and archived.
func (s *Store) UpdateStatus(ctx context.Context, sessionID, status string) error {
	if status != StatusActive && status != StatusArchived {
		return fmt.Errorf("invalid session status %q", status)
	}
	return s.exec(ctx, `UPDATE team_sessions SET status = ? WHERE session_id = ?`, status, sessionID)
}

// UpdateProcessState records the runtime intent for the session's process.
func (s *Store) UpdateProcessState(ctx context.Context, sessionID, state string) error {
	if !ValidProcessState(state) {
		return fmt.Errorf("invalid process state %q", state)
	}
	return s.exec(ctx, `UPDATE team_sessions SET process_state = ? WHERE session_id = ?`, state, sessionID)
}

// SetCurrentCacheSessionID records which in-memory cache serves the session.
// An empty id clears the column.
func (s *Store) SetCurrentCacheSessionID(ctx context.Context, sessionID, cacheSessionID string) error {
	return s.exec(ctx, `UPDATE team_sessions SET current_cache_session_id = ? WHERE session_id = ?`,
		nullable(cacheSessionID), sessionID)
}

// UpdateLastResponse records when the session last completed a tell.
func (s *Store) UpdateLastResponse(ctx context.Context, sessionID string, at int64) error {
	return s.exec(ctx, `UPDATE team_sessions SET last_response_at = ?, last_used_at = ? WHERE session_id = ?`,
		at, nowMillis(), sessionID)
}

// UpdateDebugInfo stores the rendered launch command and the team config
// snapshot from the most recent spawn.
func (s *Store) UpdateDebugInfo(ctx context.Context, sessionID, launchCommand, configSnapshot string) error {
	return s.exec(ctx, `UPDATE team_sessions SET launch_command = ?, team_config_snapshot = ? WHERE session_id = ?`,
		nullable(launchCommand), nullable(configSnapshot), sessionID)
}

// ResetAllProcessStates forces every non-stopped row back to stopped and
// clears its cache pointer. Runs once at boot, before the pool accepts work.
func (s *Store) ResetAllProcessStates(ctx context.Context) (int64, error) {
	query := s.rebind(`
		UPDATE team_sessions
		SET process_state = ?, current_cache_session_id = NULL
		WHERE process_state != ?
	`)
	res, err := s.pool.Writer().ExecContext(ctx, query, StateStopped, StateStopped)
	if err != nil {
		return 0, fmt.Errorf("failed to reset process states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Delete removes the row. A later GetOrCreate for the pair mints a fresh
// session id.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.exec(ctx, `DELETE FROM team_sessions WHERE session_id = ?`, sessionID)
}

// Transaction runs fn inside a write transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.pool.Writer().ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("session update failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation matches the constraint errors of both engines by
// message: sqlite3 reports "UNIQUE constraint failed", pgx "duplicate key".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
