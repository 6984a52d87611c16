// Package storage opens the relational backend and owns the schema.
// The same migration set applies to both supported backends (PostgreSQL
// and embedded SQLite); dialect differences are confined to Dialect.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"       // postgres driver
	_ "modernc.org/sqlite"      // embedded single-file driver

	"github.com/ultrazend/ultrazend/internal/config"
)

// Store wraps the database handle with its dialect and query timeout.
type Store struct {
	DB      *sql.DB
	Dialect Dialect

	queryTimeout time.Duration
}

// Open connects to the configured backend and verifies the connection.
func Open(cfg config.DBConfig) (*Store, error) {
	var (
		driver  string
		dialect Dialect
	)
	switch cfg.Backend {
	case "postgres":
		driver, dialect = "postgres", Postgres{}
	case "sqlite":
		driver, dialect = "sqlite", SQLite{}
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}

	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Backend, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if cfg.Backend == "sqlite" {
		// SQLite serialises writers; a large pool just contends
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", cfg.Backend, err)
	}

	return &Store{DB: db, Dialect: dialect, queryTimeout: cfg.QueryTimeout()}, nil
}

// New wraps an existing handle. Used by tests with sqlmock.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{DB: db, Dialect: dialect, queryTimeout: 10 * time.Second}
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.DB.Close() }

// Ctx derives a context bounded by the configured query timeout.
func (s *Store) Ctx(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := s.queryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(parent, timeout)
}

// Query rebinds placeholders for the active dialect and runs the query.
func (s *Store) Query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.DB.QueryContext(ctx, s.Dialect.Rebind(q), args...)
}

// QueryRow rebinds placeholders for the active dialect and runs the query.
func (s *Store) QueryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.DB.QueryRowContext(ctx, s.Dialect.Rebind(q), args...)
}

// Exec rebinds placeholders for the active dialect and executes.
func (s *Store) Exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.DB.ExecContext(ctx, s.Dialect.Rebind(q), args...)
}

// Tx runs fn in a transaction, committing on nil and rolling back on error.
func (s *Store) Tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
