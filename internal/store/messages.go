package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// CreateMessage persists msg. If msg.ID is empty, a new time-sortable id is
// assigned. Messages are append-only; the Agent Loop's turn algorithm never
// retries a create once it has executed, so there is no upsert path here
// (spec §4.3: "Messages are created exactly once").
func (s *Store) CreateMessage(msg *Message) error {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = KindRegular
	}

	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return wrapErr("CreateMessage", err)
	}

	return withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(
			`INSERT INTO messages (id, session_id, branch_id, role, kind, parts, created_at, turn_duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, msg.BranchID, string(msg.Role), string(msg.Kind), string(partsJSON),
			msg.CreatedAt.UnixMilli(), nullDuration(msg.TurnDurationMs),
		)
		return wrapErr("CreateMessage", err)
	})
}

// ListMessagesByBranch returns all messages on a branch in insertion order,
// tie-broken by id when timestamps collide (spec §4.3 invariant).
func (s *Store) ListMessagesByBranch(branchID string) ([]*Message, error) {
	return s.queryMessages(`SELECT id, session_id, branch_id, role, kind, parts, created_at, turn_duration_ms
		FROM messages WHERE branch_id = ? ORDER BY created_at, id`, branchID)
}

// ListMessagesSince returns branch messages created strictly after t (spec
// §3: "messages created after the checkpoint"; testable invariant #10).
func (s *Store) ListMessagesSince(branchID string, t time.Time) ([]*Message, error) {
	return s.queryMessages(`SELECT id, session_id, branch_id, role, kind, parts, created_at, turn_duration_ms
		FROM messages WHERE branch_id = ? AND created_at > ? ORDER BY created_at, id`, branchID, t.UnixMilli())
}

// ListMessagesAfter returns branch messages at or after messageID's
// position, inclusive, ordered the same as ListMessagesByBranch. Used by
// the Checkpoint Service for compaction slicing (spec §4.5).
func (s *Store) ListMessagesAfter(branchID, messageID string) ([]*Message, error) {
	s.mu.Lock()
	var anchorCreated int64
	err := s.db.QueryRow(`SELECT created_at FROM messages WHERE id = ?`, messageID).Scan(&anchorCreated)
	s.mu.Unlock()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapErr("ListMessagesAfter", ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("ListMessagesAfter", err)
	}
	return s.queryMessages(`SELECT id, session_id, branch_id, role, kind, parts, created_at, turn_duration_ms
		FROM messages WHERE branch_id = ? AND (created_at > ? OR (created_at = ? AND id >= ?))
		ORDER BY created_at, id`, branchID, anchorCreated, anchorCreated, messageID)
}

func (s *Store) queryMessages(query string, args ...any) ([]*Message, error) {
	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, wrapErr("queryMessages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, wrapErr("queryMessages", err)
		}
		out = append(out, msg)
	}
	return out, wrapErr("queryMessages", rows.Err())
}

// UpdateTurnDuration annotates the message that initiated a turn with its
// elapsed wall-clock time (spec §4.6 step 3; not recorded on failed turns
// per spec §9.5).
func (s *Store) UpdateTurnDuration(messageID string, ms int64) error {
	return withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`UPDATE messages SET turn_duration_ms = ? WHERE id = ?`, ms, messageID)
		return wrapErr("UpdateTurnDuration", err)
	})
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var role, kind, partsJSON string
	var created int64
	var dur sql.NullInt64
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.BranchID, &role, &kind, &partsJSON, &created, &dur); err != nil {
		return nil, err
	}
	msg.Role = Role(role)
	msg.Kind = Kind(kind)
	msg.CreatedAt = time.UnixMilli(created).UTC()
	if dur.Valid {
		v := dur.Int64
		msg.TurnDurationMs = &v
	}
	if err := json.Unmarshal([]byte(partsJSON), &msg.Parts); err != nil {
		return nil, err
	}
	return &msg, nil
}

func nullDuration(ms *int64) any {
	if ms == nil {
		return nil
	}
	return *ms
}
