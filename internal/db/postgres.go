package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iris-hq/iris/internal/db/dialect"
)

// openPostgres opens a PostgreSQL database connection using pgx.
// If maxConns is 0 it defaults to 25.
func openPostgres(dsn string, maxConns int) (*sqlx.DB, error) {
	conn, err := sqlx.Open(dialect.PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}

	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns / 5)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return conn, nil
}
