// Package store is the durable layer: a WAL-journaled SQLite database
// holding tasks, the audit log, templates, schedule state, DAG runs, and
// approvals. It is the single writer of record; every mutation re-reads the
// target row inside a transaction, validates, and writes the row plus its
// audit entry atomically. Transition events are published after commit.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite handle. Concurrent readers are allowed (WAL);
// writers serialize through the write lock.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	events  *Publisher
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if necessary) the database at path and applies
// pending migrations. Use ":memory:" for an ephemeral store.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under write load.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:     db,
		events: NewPublisher(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Events exposes the post-commit event publisher.
func (s *Store) Events() *Publisher {
	return s.events
}

// withTx runs fn inside a write transaction, serialized against other
// writers in this process.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
