package store

import "time"

// AddPermissionRule appends a rule, preserving insertion order for
// first-rule-wins evaluation (spec §4.4).
func (s *Store) AddPermissionRule(tool, pattern string, action PermissionAction) (*PermissionRule, error) {
	now := time.Now().UTC()
	var id int64
	err := withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		res, err := s.db.Exec(
			`INSERT INTO permission_rules (tool, pattern, action, inserted) VALUES (?, ?, ?, ?)`,
			tool, pattern, string(action), now.UnixNano(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, wrapErr("AddPermissionRule", err)
	}
	return &PermissionRule{ID: id, Tool: tool, Pattern: pattern, Action: action, Inserted: now}, nil
}

// RemovePermissionRule removes rules matching tool (and pattern, if given).
func (s *Store) RemovePermissionRule(tool, pattern string) error {
	return withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var err error
		if pattern == "" {
			_, err = s.db.Exec(`DELETE FROM permission_rules WHERE tool = ?`, tool)
		} else {
			_, err = s.db.Exec(`DELETE FROM permission_rules WHERE tool = ? AND pattern = ?`, tool, pattern)
		}
		return wrapErr("RemovePermissionRule", err)
	})
}

// ListPermissionRules returns all rules in insertion order.
func (s *Store) ListPermissionRules() ([]*PermissionRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, tool, pattern, action, inserted FROM permission_rules ORDER BY inserted, id`)
	if err != nil {
		return nil, wrapErr("ListPermissionRules", err)
	}
	defer rows.Close()

	var out []*PermissionRule
	for rows.Next() {
		var r PermissionRule
		var action string
		var inserted int64
		if err := rows.Scan(&r.ID, &r.Tool, &r.Pattern, &action, &inserted); err != nil {
			return nil, wrapErr("ListPermissionRules", err)
		}
		r.Action = PermissionAction(action)
		r.Inserted = time.Unix(0, inserted).UTC()
		out = append(out, &r)
	}
	return out, wrapErr("ListPermissionRules", rows.Err())
}
