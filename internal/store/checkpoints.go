package store

import (
	"database/sql"
	"errors"
	"time"
)

// CreatePlanCheckpoint records a Plan checkpoint on a branch.
func (s *Store) CreatePlanCheckpoint(branchID, planPath string) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:        NewID(),
		BranchID:  branchID,
		Kind:      CheckpointPlan,
		PlanPath:  planPath,
		CreatedAt: time.Now().UTC(),
	}
	return cp, s.insertCheckpoint(cp)
}

// CreateCompactionCheckpoint records a Compaction checkpoint on a branch.
func (s *Store) CreateCompactionCheckpoint(branchID, summary, firstKeptMessageID string) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:                 NewID(),
		BranchID:           branchID,
		Kind:               CheckpointCompaction,
		Summary:            summary,
		FirstKeptMessageID: firstKeptMessageID,
		CreatedAt:          time.Now().UTC(),
	}
	return cp, s.insertCheckpoint(cp)
}

func (s *Store) insertCheckpoint(cp *Checkpoint) error {
	return withBusyRetry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(
			`INSERT INTO checkpoints (id, branch_id, kind, plan_path, summary, first_kept_msg_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.BranchID, string(cp.Kind), cp.PlanPath, cp.Summary, cp.FirstKeptMessageID, cp.CreatedAt.UnixMilli(),
		)
		return wrapErr("CreateCheckpoint", err)
	})
}

// GetLatestCheckpoint returns the most recently created checkpoint on a
// branch, or ErrNotFound if none exists.
func (s *Store) GetLatestCheckpoint(branchID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, branch_id, kind, plan_path, summary, first_kept_msg_id, created_at
		 FROM checkpoints WHERE branch_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, branchID)

	var cp Checkpoint
	var kind string
	var created int64
	err := row.Scan(&cp.ID, &cp.BranchID, &kind, &cp.PlanPath, &cp.Summary, &cp.FirstKeptMessageID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapErr("GetLatestCheckpoint", ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("GetLatestCheckpoint", err)
	}
	cp.Kind = CheckpointKind(kind)
	cp.CreatedAt = time.UnixMilli(created).UTC()
	return &cp, nil
}
