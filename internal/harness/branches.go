package harness

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cevr/harness/internal/eventbus"
	"github.com/cevr/harness/internal/store"
)

// CreateBranchParams is the spec §6 createBranch input.
type CreateBranchParams struct {
	SessionID string
	Name      string
}

// CreateBranch implements spec §6 createBranch.
func (h *Harness) CreateBranch(p CreateBranchParams) (*store.Branch, error) {
	return h.deps.Store.CreateBranch(store.CreateBranchParams{SessionID: p.SessionID, Name: p.Name})
}

// ForkBranchParams is the spec §6 forkBranch input.
type ForkBranchParams struct {
	SessionID    string
	FromBranchID string
	AtMessageID  string
	Name         string
}

// ForkBranch implements spec §6 forkBranch: a new branch whose message
// history is a fresh-id copy of the parent's messages up to and including
// atMessageId.
func (h *Harness) ForkBranch(p ForkBranchParams) (*store.Branch, error) {
	msgs, err := h.deps.Store.ListMessagesByBranch(p.FromBranchID)
	if err != nil {
		return nil, err
	}

	cut := -1
	for i, m := range msgs {
		if m.ID == p.AtMessageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, &Error{Message: fmt.Sprintf("message %s not found on branch %s", p.AtMessageID, p.FromBranchID)}
	}

	branch, err := h.deps.Store.CreateBranch(store.CreateBranchParams{
		SessionID: p.SessionID, ParentBranchID: p.FromBranchID, ParentMessageID: p.AtMessageID, Name: p.Name,
	})
	if err != nil {
		return nil, err
	}

	for _, m := range msgs[:cut+1] {
		copied := &store.Message{
			SessionID: p.SessionID, BranchID: branch.ID,
			Role: m.Role, Kind: m.Kind, Parts: m.Parts,
		}
		if err := h.deps.Store.CreateMessage(copied); err != nil {
			return nil, err
		}
	}
	return branch, nil
}

// SwitchBranchParams is the spec §6 switchBranch input. Summarize defaults
// to true when unset.
type SwitchBranchParams struct {
	SessionID string
	From      string
	To        string
	Summarize *bool
}

// SwitchBranch implements spec §6 switchBranch.
func (h *Harness) SwitchBranch(ctx context.Context, p SwitchBranchParams) error {
	summarize := true
	if p.Summarize != nil {
		summarize = *p.Summarize
	}
	if summarize {
		if err := h.summarizeBranch(ctx, p.From); err != nil {
			log.Warn().Err(err).Str("branchId", p.From).Msg("harness: branch summarisation on switch failed")
		}
	}
	h.publish(eventbus.KindBranchSwitched, p.SessionID, p.To, map[string]any{"from": p.From, "to": p.To})
	return nil
}

const summarizeSystemPrompt = "Summarize the following conversation in 2-4 sentences, preserving decisions and open questions. Respond with the summary only."

func (h *Harness) summarizeBranch(ctx context.Context, branchID string) error {
	msgs, err := h.deps.Store.ListMessagesByBranch(branchID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	summary, err := h.completeText(ctx, summarizeSystemPrompt, transcriptText(msgs))
	if err != nil {
		return err
	}
	return h.deps.Store.UpdateBranchSummary(branchID, summary)
}

// BranchTreeNode is the spec §6 getBranchTree result shape.
type BranchTreeNode struct {
	Branch   *store.Branch
	Children []*BranchTreeNode
}

// GetBranchTree implements spec §6 getBranchTree: branches linked by
// ParentBranchID, rooted at every branch with no parent.
func (h *Harness) GetBranchTree(sessionID string) ([]*BranchTreeNode, error) {
	branches, err := h.deps.Store.ListBranchesBySession(sessionID)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*BranchTreeNode, len(branches))
	for _, b := range branches {
		nodes[b.ID] = &BranchTreeNode{Branch: b}
	}

	var roots []*BranchTreeNode
	for _, b := range branches {
		node := nodes[b.ID]
		if parent, ok := nodes[b.ParentBranchID]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots, nil
}

func transcriptText(msgs []*store.Message) string {
	var out string
	for _, m := range msgs {
		for _, part := range m.Parts {
			if part.Type == store.PartText && part.Text != "" {
				out += string(m.Role) + ": " + part.Text + "\n"
			}
		}
	}
	return out
}
