// Package store persists audit runs, findings, annotations, and the action
// log in a single embedded SQLite file.
//
// One writer at a time: the database file is guarded by a process-level
// advisory flock held for the store's lifetime. All writes of one sync occur
// inside a single transaction (RunInTransaction), so partial syncs are never
// observable.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sqlguard/sqlguard/internal/errkind"
)

// Store is the SQLite-backed durable store.
type Store struct {
	db   *sql.DB
	path string
	lock *flock.Flock
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// the row-level helpers work identically inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (creating if necessary) the store at path. Pass ":memory:" for
// an ephemeral store in tests. The advisory lock is acquired immediately;
// a held lock elsewhere fails fast with ErrStoreLocked.
func New(ctx context.Context, path string) (*Store, error) {
	s := &Store{path: path}

	if path != ":memory:" {
		s.lock = flock.New(path + ".lock")
		locked, err := s.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquiring store lock: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: %s", errkind.ErrStoreLocked, path)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		s.unlock()
		return nil, fmt.Errorf("opening store: %w", err)
	}
	s.db = db

	// A single connection keeps :memory: stores coherent and serializes
	// writers; concurrency across processes is excluded by the flock.
	db.SetMaxOpenConns(1)

	if err := s.init(ctx); err != nil {
		_ = db.Close()
		s.unlock()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("applying %s: %w", pragma, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		if strings.Contains(err.Error(), "malformed") || strings.Contains(err.Error(), "not a database") {
			return fmt.Errorf("%w: %s: %v", errkind.ErrStoreCorrupt, s.path, err)
		}
		return fmt.Errorf("applying schema: %w", err)
	}
	if err := runMigrations(ctx, s.db); err != nil {
		return err
	}
	return nil
}

func (s *Store) unlock() {
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}

// Close releases the database and the advisory lock.
func (s *Store) Close() error {
	err := s.db.Close()
	s.unlock()
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// UnderlyingDB exposes the raw connection for migrations and tests.
func (s *Store) UnderlyingDB() *sql.DB {
	return s.db
}

// Tx exposes the store's operations inside one transaction.
type Tx struct {
	q querier
}

// RunInTransaction executes fn inside a single BEGIN IMMEDIATE transaction
// on a dedicated connection. An error from fn rolls everything back; nil
// commits.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// BEGIN IMMEDIATE acquires the write lock up front, preventing
	// deadlocks between concurrent readers upgrading to writers.
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&Tx{q: conn}); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}
