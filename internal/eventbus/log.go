package eventbus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	branch_id  TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	fields     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
`

// Error is the EventStoreError kind of spec §7.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("eventbus: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// log is the durable append-only half of the Event Store, sharing the
// SQLite connection opened by internal/store.
type log struct {
	db *sql.DB
}

func newLog(db *sql.DB) (*log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, &Error{Op: "newLog", Err: err}
	}
	return &log{db: db}, nil
}

func (l *log) append(e Event) (*Envelope, error) {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return nil, &Error{Op: "append", Err: err}
	}
	now := time.Now().UTC()
	res, err := l.db.Exec(
		`INSERT INTO events (created_at, session_id, branch_id, kind, fields) VALUES (?, ?, ?, ?, ?)`,
		now.UnixNano(), e.SessionID, e.BranchID, string(e.Kind), string(fieldsJSON),
	)
	if err != nil {
		return nil, &Error{Op: "append", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &Error{Op: "append", Err: err}
	}
	return &Envelope{ID: id, CreatedAt: now, Event: e}, nil
}

func (l *log) list(filter Filter, upToID int64) ([]*Envelope, error) {
	query := `SELECT id, created_at, session_id, branch_id, kind, fields FROM events
		WHERE session_id = ? AND id > ?`
	args := []any{filter.SessionID, filter.AfterID}
	if upToID > 0 {
		query += ` AND id <= ?`
		args = append(args, upToID)
	}
	query += ` ORDER BY id`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []*Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, &Error{Op: "list", Err: err}
		}
		if filter.matches(env.Event) {
			out = append(out, env)
		}
	}
	return out, rows.Err()
}

func (l *log) latestID(sessionID string) (int64, error) {
	var id sql.NullInt64
	err := l.db.QueryRow(`SELECT MAX(id) FROM events WHERE session_id = ?`, sessionID).Scan(&id)
	if err != nil {
		return 0, &Error{Op: "latestID", Err: err}
	}
	return id.Int64, nil
}

// latestByTags returns the latest envelope whose kind is in kinds, or nil
// if none, matching on (session,branch) exactly — used to re-derive the current agent from
// the latest AgentSwitched event (spec §4.6).
func (l *log) latestByTags(sessionID, branchID string, kinds []Kind) (*Envelope, error) {
	placeholders := ""
	args := []any{sessionID, branchID}
	for i, k := range kinds {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(k))
	}
	query := fmt.Sprintf(
		`SELECT id, created_at, session_id, branch_id, kind, fields FROM events
		 WHERE session_id = ? AND branch_id = ? AND kind IN (%s)
		 ORDER BY id DESC LIMIT 1`, placeholders)

	row := l.db.QueryRow(query, args...)
	env, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: "latestByTags", Err: err}
	}
	return env, nil
}

func scanEnvelope(row interface{ Scan(dest ...any) error }) (*Envelope, error) {
	var id int64
	var created int64
	var sessionID, branchID, kind, fieldsJSON string
	if err := row.Scan(&id, &created, &sessionID, &branchID, &kind, &fieldsJSON); err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        id,
		CreatedAt: time.Unix(0, created).UTC(),
		Event: Event{
			Kind:      Kind(kind),
			SessionID: sessionID,
			BranchID:  branchID,
			Fields:    fields,
		},
	}, nil
}
