package store

import (
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// CreateSessionParams groups the optional fields of Session creation.
type CreateSessionParams struct {
	Name            string
	Cwd             string
	Bypass          bool
	ParentSessionID string
	ParentBranchID  string
}

// CreateSession inserts a new session and its root branch, returning both.
func (s *Store) CreateSession(p CreateSessionParams) (*Session, *Branch, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:              NewID(),
		Name:            p.Name,
		Cwd:             p.Cwd,
		Bypass:          p.Bypass,
		ParentSessionID: p.ParentSessionID,
		ParentBranchID:  p.ParentBranchID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(
			`INSERT INTO sessions (id, name, cwd, bypass, parent_session_id, parent_branch_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Name, sess.Cwd, boolToInt(sess.Bypass), nullIfEmpty(sess.ParentSessionID),
			nullIfEmpty(sess.ParentBranchID), now.Unix(), now.Unix(),
		)
		return err
	})
	if err != nil {
		return nil, nil, wrapErr("CreateSession", err)
	}

	branch, err := s.CreateBranch(CreateBranchParams{SessionID: sess.ID})
	if err != nil {
		return nil, nil, err
	}
	return sess, branch, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, name, cwd, bypass, parent_session_id, parent_branch_id, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapErr("GetSession", ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("GetSession", err)
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by most recently updated.
func (s *Store) ListSessions() ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, name, cwd, bypass, parent_session_id, parent_branch_id, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, wrapErr("ListSessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wrapErr("ListSessions", err)
		}
		out = append(out, sess)
	}
	return out, wrapErr("ListSessions", rows.Err())
}

// GetLastSessionByCwd returns the most recently updated session for a cwd.
func (s *Store) GetLastSessionByCwd(cwd string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, name, cwd, bypass, parent_session_id, parent_branch_id, created_at, updated_at
		 FROM sessions WHERE cwd = ? ORDER BY updated_at DESC LIMIT 1`, cwd)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapErr("GetLastSessionByCwd", ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("GetLastSessionByCwd", err)
	}
	return sess, nil
}

// UpdateSessionName sets the session's display name.
func (s *Store) UpdateSessionName(id, name string) error {
	return s.touchSession(id, "UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?", name)
}

// UpdateSessionBypass sets the session's bypass-permission flag.
func (s *Store) UpdateSessionBypass(id string, bypass bool) error {
	return s.touchSession(id, "UPDATE sessions SET bypass = ?, updated_at = ? WHERE id = ?", boolToInt(bypass))
}

func (s *Store) touchSession(id, query string, val any) error {
	return withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(query, val, time.Now().Unix(), id)
		return wrapErr("UpdateSession", err)
	})
}

// DeleteSession removes a session and all its branches/messages/checkpoints.
func (s *Store) DeleteSession(id string) error {
	return withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM messages WHERE session_id = ?`,
			`DELETE FROM checkpoints WHERE branch_id IN (SELECT id FROM branches WHERE session_id = ?)`,
			`DELETE FROM branches WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, err := tx.Exec(q, id); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var bypass int
	var parentSession, parentBranch sql.NullString
	var created, updated int64
	if err := row.Scan(&sess.ID, &sess.Name, &sess.Cwd, &bypass, &parentSession, &parentBranch, &created, &updated); err != nil {
		return nil, err
	}
	sess.Bypass = bypass != 0
	sess.ParentSessionID = parentSession.String
	sess.ParentBranchID = parentBranch.String
	sess.CreatedAt = time.Unix(created, 0).UTC()
	sess.UpdatedAt = time.Unix(updated, 0).UTC()
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
