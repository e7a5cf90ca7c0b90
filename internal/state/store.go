// Package state owns the SQLite database behind the daemon. It provides a
// single-writer connection, a read-only pool, idempotent open-time schema
// migrations, and busy-retry for writes under WAL contention.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// migrations is the linear migration sequence, applied in order when the
// schema_version row is behind.
var migrations = []string{migrationV1}

// Store wraps the database connections all services operate through.
type Store struct {
	dbPath string
	db     *sql.DB // single write connection
	readDB *sql.DB // read-only pool

	maxRetries    int
	baseRetryWait time.Duration
}

// Option configures the store.
type Option func(*Store)

// WithRetry overrides the busy-retry policy.
func WithRetry(maxRetries int, baseWait time.Duration) Option {
	return func(s *Store) {
		s.maxRetries = maxRetries
		s.baseRetryWait = baseWait
	}
}

// Open opens (creating if needed) the database at dbPath and applies
// pending migrations.
func Open(dbPath string, opts ...Option) (*Store, error) {
	s := &Store{
		dbPath:        dbPath,
		maxRetries:    5,
		baseRetryWait: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// busy_timeout waits for locks before surfacing SQLITE_BUSY.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening write database: %w", err)
	}
	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	s.db = db

	readDB, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	if err := s.migrate(); err != nil {
		_ = db.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes both database connections.
func (s *Store) Close() error {
	var errs []error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing read connection: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing write connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// Writer returns the single write connection.
func (s *Store) Writer() *sql.DB { return s.db }

// Reader returns the read-only connection pool.
func (s *Store) Reader() *sql.DB { return s.readDB }

// migrate applies the linear migration sequence guarded by schema_version.
func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		// Table doesn't exist yet; run from the start.
		version = 0
	}

	for i, script := range migrations {
		v := i + 1
		if version >= v {
			continue
		}
		if _, err := s.db.Exec(script); err != nil {
			return fmt.Errorf("applying migration v%d: %w", v, err)
		}
	}
	return nil
}

// InTx runs fn inside a write transaction, committing on nil error.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.RetryWrite(ctx, "transaction", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	})
}

// RetryWrite executes a write with exponential backoff on SQLITE_BUSY.
func (s *Store) RetryWrite(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		if attempt < s.maxRetries {
			wait := s.baseRetryWait * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w (last error: %v)", operation, ctx.Err(), lastErr)
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("%s: max retries exceeded: %w", operation, lastErr)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// NullString converts an empty string to NULL for insertion.
func NullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// NullInt64 converts a zero value to NULL for insertion.
func NullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
