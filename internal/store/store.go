// Package store is the embedded persistence layer: a single SQLite file
// holding the peer registry, peer keys, join tokens, cached host info, and
// the audit trail.
//
// The store is process-global in practice but always passed as a handle.
// Mutations are serialized through a single writer lock; readers may be
// concurrent. All schema changes go through numbered migrations whose applied
// set must always be a prefix of the declared set.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrMigrationPrefix is returned when the recorded migrations are not the
// prefix {1..k} of the declared list. The database is left untouched; callers
// may reopen read-only for inspection.
var ErrMigrationPrefix = errors.New("applied migrations are not a prefix of declared migrations")

// Store wraps the SQLite handle with the single-writer discipline.
type Store struct {
	db       *sql.DB
	writeMu  sync.Mutex
	path     string
	readOnly bool

	// now is swappable in tests.
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. WAL mode keeps readers unblocked during writes; busy_timeout
// rides out checkpoints.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	return open(path, false)
}

// OpenReadOnly opens without applying migrations and refuses writes. Used to
// inspect a store whose migration state is broken.
func OpenReadOnly(path string) (*Store, error) {
	return open(path, true)
}

// OpenMemory opens a fresh in-memory store with all migrations applied.
// Test helper; each call is an independent database.
func OpenMemory() (*Store, error) {
	return open(":memory:", false)
}

func open(path string, readOnly bool) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=30000&_foreign_keys=1"
	if readOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: the writer lock below would not serialize anything if
	// the pool handed mutations to different connections, and :memory:
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, readOnly: readOnly, now: time.Now}

	if !readOnly {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// ReadOnly reports whether the store refuses mutations.
func (s *Store) ReadOnly() bool { return s.readOnly }

// SetClock overrides the timestamp source. Test helper.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

var errReadOnly = errors.New("store is read-only")

// exec runs a mutation under the writer lock.
func (s *Store) exec(query string, args ...interface{}) (sql.Result, error) {
	if s.readOnly {
		return nil, errReadOnly
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Exec(query, args...)
}

// withTx runs fn inside a transaction under the writer lock. On error the
// transaction is rolled back and nothing persists.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	if s.readOnly {
		return errReadOnly
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) unix() int64 { return s.now().Unix() }
