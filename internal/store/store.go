// Package store is the Storage Repository (spec §4.3): CRUD on
// sessions/branches/messages/checkpoints/permission rules, backed by
// SQLite. Grounded on the teacher's internal/store/store.go — same
// pragma set, same busy-retry wrapper. Of the Store methods, only Close
// accepts a nil receiver (as a no-op).
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // register sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	cwd               TEXT NOT NULL DEFAULT '',
	bypass            INTEGER NOT NULL DEFAULT 0,
	parent_session_id TEXT,
	parent_branch_id  TEXT,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	parent_branch_id  TEXT,
	parent_message_id TEXT,
	name              TEXT NOT NULL DEFAULT '',
	summary           TEXT NOT NULL DEFAULT '',
	preferred_model   TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_branches_session ON branches(session_id);

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	branch_id        TEXT NOT NULL,
	role             TEXT NOT NULL,
	kind             TEXT NOT NULL DEFAULT 'regular',
	parts            TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	turn_duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_branch ON messages(branch_id, created_at, id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id                  TEXT PRIMARY KEY,
	branch_id           TEXT NOT NULL,
	kind                TEXT NOT NULL,
	plan_path           TEXT NOT NULL DEFAULT '',
	summary             TEXT NOT NULL DEFAULT '',
	first_kept_msg_id   TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_branch ON checkpoints(branch_id, created_at);

CREATE TABLE IF NOT EXISTS permission_rules (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	tool     TEXT NOT NULL,
	pattern  TEXT NOT NULL DEFAULT '',
	action   TEXT NOT NULL,
	inserted INTEGER NOT NULL
);
`

const (
	sqliteBusyMaxRetries    = 10
	sqliteBusyBackoffStepMs = 50
	sqliteBusyMaxBackoff    = time.Second
)

// Store is the SQLite-backed Storage Repository. Safe for concurrent use.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens a database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying connection so the event store can share it
// (both live in the same SQLite file; the event log is append-only and
// never touches the tables above).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Error is the StorageError kind of spec §7: never retried automatically.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry retries fn on SQLITE_BUSY with linear backoff, matching the
// teacher's SaveMessages retry loop.
func withBusyRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= sqliteBusyMaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == sqliteBusyMaxRetries {
			return err
		}
		backoff := time.Duration(attempt+1) * sqliteBusyBackoffStepMs * time.Millisecond
		if backoff > sqliteBusyMaxBackoff {
			backoff = sqliteBusyMaxBackoff
		}
		log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Msg("store: sqlite busy, retrying")
		time.Sleep(backoff)
	}
	return err
}
