package store

import (
	"database/sql"
	"errors"
	"time"
)

// CreateBranchParams groups the optional fields of Branch creation.
type CreateBranchParams struct {
	SessionID       string
	ParentBranchID  string
	ParentMessageID string
	Name            string
}

func (s *Store) CreateBranch(p CreateBranchParams) (*Branch, error) {
	b := &Branch{
		ID:              NewID(),
		SessionID:       p.SessionID,
		ParentBranchID:  p.ParentBranchID,
		ParentMessageID: p.ParentMessageID,
		Name:            p.Name,
		CreatedAt:       time.Now().UTC(),
	}
	err := withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(
			`INSERT INTO branches (id, session_id, parent_branch_id, parent_message_id, name, summary, preferred_model, created_at)
			 VALUES (?, ?, ?, ?, ?, '', '', ?)`,
			b.ID, b.SessionID, nullIfEmpty(b.ParentBranchID), nullIfEmpty(b.ParentMessageID), b.Name, b.CreatedAt.Unix(),
		)
		return err
	})
	if err != nil {
		return nil, wrapErr("CreateBranch", err)
	}
	return b, nil
}

func (s *Store) GetBranch(id string) (*Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, session_id, parent_branch_id, parent_message_id, name, summary, preferred_model, created_at
		 FROM branches WHERE id = ?`, id)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapErr("GetBranch", ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("GetBranch", err)
	}
	return b, nil
}

func (s *Store) ListBranchesBySession(sessionID string) ([]*Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, parent_branch_id, parent_message_id, name, summary, preferred_model, created_at
		 FROM branches WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, wrapErr("ListBranchesBySession", err)
	}
	defer rows.Close()

	var out []*Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, wrapErr("ListBranchesBySession", err)
		}
		out = append(out, b)
	}
	return out, wrapErr("ListBranchesBySession", rows.Err())
}

func (s *Store) UpdateBranchSummary(id, summary string) error {
	return withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`UPDATE branches SET summary = ? WHERE id = ?`, summary, id)
		return wrapErr("UpdateBranchSummary", err)
	})
}

func (s *Store) UpdateBranchPreferredModel(id, model string) error {
	return withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`UPDATE branches SET preferred_model = ? WHERE id = ?`, model, id)
		return wrapErr("UpdateBranchPreferredModel", err)
	})
}

func (s *Store) CountMessages(branchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE branch_id = ?`, branchID).Scan(&n)
	if err != nil {
		return 0, wrapErr("CountMessages", err)
	}
	return n, nil
}

func scanBranch(row rowScanner) (*Branch, error) {
	var b Branch
	var parentBranch, parentMsg sql.NullString
	var created int64
	if err := row.Scan(&b.ID, &b.SessionID, &parentBranch, &parentMsg, &b.Name, &b.Summary, &b.PreferredModel, &created); err != nil {
		return nil, err
	}
	b.ParentBranchID = parentBranch.String
	b.ParentMessageID = parentMsg.String
	b.CreatedAt = time.Unix(created, 0).UTC()
	return &b, nil
}
