// Package db provides the database layer for the session store.
// It supports SQLite (default, single file) and PostgreSQL via pgx.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/iris-hq/iris/internal/common/config"
	"github.com/iris-hq/iris/internal/db/dialect"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	driver string
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens the configured database and returns a ready Pool.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Dialect {
	case dialect.SQLite3:
		writer, err := openSQLiteWriter(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{driver: dialect.SQLite3, writer: writer, reader: reader}, nil
	case dialect.PGX:
		conn, err := openPostgres(cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return &Pool{driver: dialect.PGX, writer: conn, reader: conn}, nil
	default:
		return nil, fmt.Errorf("unsupported database dialect: %q", cfg.Dialect)
	}
}

// Driver returns the dialect constant the pool was opened with.
func (p *Pool) Driver() string { return p.driver }

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	if p.driver == dialect.SQLite3 {
		// Update query planner statistics before closing; the
		// SQLite-recommended lightweight maintenance hook.
		_, _ = p.writer.Exec("PRAGMA optimize")
	}
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
