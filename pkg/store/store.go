// Package store provides the embedded relational persistence layer.
// It wraps a SQLite database (modernc.org/sqlite, pure Go, no cgo)
// behind a small Store type.
//
// Writes are serialized by capping the write handle's connection pool
// to one connection; a separate handle used for reads lets long-poll
// observers query concurrently without blocking writers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrSchemaMismatch is returned when boot-time migration fails to add a
// missing column; declared types of existing columns are not compared.
var ErrSchemaMismatch = errors.New("store: schema mismatch")

// Store wraps the SQLite connection pair and exposes the single-writer
// transaction helper every other component uses.
type Store struct {
	write *sqlx.DB
	read  *sqlx.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// runs the idempotent boot-time schema migration.
func Open(ctx context.Context, path string) (*Store, error) {
	// _time_format=sqlite binds time.Time as "YYYY-MM-DD HH:MM:SS.fff+hh:mm"
	// text, which julianday() in the watermark and SLO queries can parse.
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite", path)
	} else {
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)&_time_format=sqlite"
	}

	write, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open write handle: %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetMaxIdleConns(1)

	read, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("store: open read handle: %w", err)
	}
	read.SetMaxOpenConns(4)

	if _, err := write.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		// :memory: shared-cache databases do not support WAL; ignore.
		_ = err
	}

	s := &Store{write: write, read: read}
	if err := s.migrate(ctx); err != nil {
		_ = write.Close()
		_ = read.Close()
		return nil, err
	}
	return s, nil
}

// Close closes both handles.
func (s *Store) Close() error {
	err1 := s.write.Close()
	err2 := s.read.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// DB exposes the read handle for health checks and direct ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.read.DB }

// HealthStatus reports connection health for the /health endpoint.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
	OpenConns    int    `json:"open_connections"`
}

// Health pings the store and reports pool statistics.
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := s.read.PingContext(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start).Milliseconds()}, err
	}
	stats := s.read.Stats()
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
		OpenConns:    stats.OpenConnections,
	}, nil
}

// Tx is an alias of sqlx.Tx, so components can name the transaction
// type without importing sqlx.
type Tx = sqlx.Tx

// RunInTx runs fn inside a single write transaction. A failure from fn
// rolls back; success commits. This is the entrypoint for multi-statement
// mutations (single statements go through Writer); race detection inside
// fn is conditional SQL
// updates whose rows-changed count is the signal, never
// application-level optimistic locking.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.write.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// Reader exposes read-only queries outside of a transaction.
func (s *Store) Reader() *sqlx.DB { return s.read }

// Writer exposes the write handle directly for rare single-statement
// writes that do not need RunInTx's rollback semantics (e.g. maintenance
// sweeps already wrapping several statements in their own RunInTx calls).
func (s *Store) Writer() *sqlx.DB { return s.write }
