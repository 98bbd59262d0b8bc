// Package store owns the pipeline's durable state: the event ledger, the
// provisioning job table and the company-code counters. All uniqueness and
// concurrency control lives here, enforced by SQLite constraints and
// compare-and-swap updates rather than application-level checks.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrJobNotFound is returned when no provisioning job exists for the
	// requested session.
	ErrJobNotFound = errors.New("provisioning job not found")

	// ErrJobExists is returned by CreateJob when a job for the session is
	// already present. The caller re-reads and resumes instead of creating.
	ErrJobExists = errors.New("provisioning job already exists for session")

	// ErrStaleJob is returned when a compare-and-swap transition matched no
	// row: a concurrent worker already advanced the job past the expected
	// state. The caller re-reads and skips the step it lost.
	ErrStaleJob = errors.New("provisioning job state changed concurrently")
)

// Store wraps the SQLite database holding all pipeline state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema
// exists. A single write connection with WAL mode serializes writers while
// the busy timeout absorbs short contention windows.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS event_ledger (
		event_id    TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		raw_payload BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS provisioning_jobs (
		job_id        TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL UNIQUE,
		company_name  TEXT NOT NULL,
		contact_email TEXT NOT NULL,
		plan_id       TEXT NOT NULL,
		user_count    INTEGER NOT NULL,
		state         TEXT NOT NULL,
		company_id    TEXT,
		company_code  TEXT,
		admin_user_id TEXT,
		attempt       INTEGER NOT NULL DEFAULT 1,
		last_error    TEXT,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS company_code_counters (
		year  INTEGER PRIMARY KEY,
		value INTEGER NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique or primary key
// constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func now() time.Time {
	return time.Now().UTC()
}
