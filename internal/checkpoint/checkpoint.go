// Package checkpoint is the Checkpoint Service of spec §4.5: resolve a
// branch's latest checkpoint, slice its message history to the effective
// prompt window, and render the context prefix the Agent Loop prepends to
// the system prompt. Grounded on internal/store's checkpoint/message
// queries — this package adds no storage of its own, only the Plan vs
// Compaction slicing policy and an in-turn cache.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cevr/harness/internal/store"
)

// Messages is the spec §4.5 buildMessagesForTurn result.
type Messages struct {
	Messages      []*store.Message
	ContextPrefix string
}

// Service resolves checkpoints and builds prompt-ready message windows.
type Service struct {
	st *store.Store

	mu        sync.Mutex
	cacheByID map[string]Messages
}

func New(st *store.Store) *Service {
	return &Service{st: st, cacheByID: make(map[string]Messages)}
}

// GetLatestCheckpoint returns the branch's most recent checkpoint, or nil
// if none exists.
func (s *Service) GetLatestCheckpoint(branchID string) (*store.Checkpoint, error) {
	cp, err := s.st.GetLatestCheckpoint(branchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

// BuildMessagesForTurn implements spec §4.5's three cases and caches the
// result for the lifetime of a checkpoint id — a turn may call this more
// than once (e.g. once per follow-up re-entry) without re-reading the plan
// file or re-querying storage each time. The Agent Loop calls this once per
// admitted message, at the start of the turn; the messages a later tool
// round appends are carried forward in the loop's own working history, not
// re-fetched through this cache.
func (s *Service) BuildMessagesForTurn(branchID string) (Messages, error) {
	cp, err := s.GetLatestCheckpoint(branchID)
	if err != nil {
		return Messages{}, fmt.Errorf("checkpoint: get latest: %w", err)
	}

	cacheKey := branchID + ":none"
	if cp != nil {
		cacheKey = branchID + ":" + cp.ID
	}

	s.mu.Lock()
	if cached, ok := s.cacheByID[cacheKey]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	built, err := s.build(branchID, cp)
	if err != nil {
		return Messages{}, err
	}

	s.mu.Lock()
	// A new checkpoint id invalidates everything cached for this branch
	// under a stale key.
	for k := range s.cacheByID {
		if hasBranchPrefix(k, branchID) && k != cacheKey {
			delete(s.cacheByID, k)
		}
	}
	s.cacheByID[cacheKey] = built
	s.mu.Unlock()

	return built, nil
}

func hasBranchPrefix(key, branchID string) bool {
	return len(key) > len(branchID) && key[:len(branchID)] == branchID && key[len(branchID)] == ':'
}

func (s *Service) build(branchID string, cp *store.Checkpoint) (Messages, error) {
	if cp == nil {
		msgs, err := s.st.ListMessagesByBranch(branchID)
		if err != nil {
			return Messages{}, fmt.Errorf("checkpoint: list messages: %w", err)
		}
		return Messages{Messages: msgs}, nil
	}

	switch cp.Kind {
	case store.CheckpointPlan:
		msgs, err := s.st.ListMessagesSince(branchID, cp.CreatedAt)
		if err != nil {
			return Messages{}, fmt.Errorf("checkpoint: list messages since: %w", err)
		}
		prefix := ""
		if body, err := os.ReadFile(cp.PlanPath); err == nil {
			prefix = fmt.Sprintf("Plan to execute:\n%s\n\n", body)
		}
		return Messages{Messages: msgs, ContextPrefix: prefix}, nil

	case store.CheckpointCompaction:
		msgs, err := s.st.ListMessagesAfter(branchID, cp.FirstKeptMessageID)
		if err != nil {
			return Messages{}, fmt.Errorf("checkpoint: list messages after: %w", err)
		}
		prefix := fmt.Sprintf("Previous context:\n%s\n\n", cp.Summary)
		return Messages{Messages: msgs, ContextPrefix: prefix}, nil

	default:
		return Messages{}, fmt.Errorf("checkpoint: unknown kind %q", cp.Kind)
	}
}
