package engine

import (
	"context"

	"github.com/cevr/harness/internal/subagent"
)

// SubagentRunnerAdapter satisfies subagent.Runner by driving a fresh,
// throwaway Loop through exactly one message (RunOnce), with its
// current-agent reference forced to the requested agent rather than
// re-derived from branch history — the sub-agent's child branch has no
// prior AgentSwitched event to read.
type SubagentRunnerAdapter struct {
	deps Deps
}

func NewSubagentRunnerAdapter(deps Deps) *SubagentRunnerAdapter {
	return &SubagentRunnerAdapter{deps: deps}
}

func (a *SubagentRunnerAdapter) RunTurn(ctx context.Context, sessionID, branchID, agentName, prompt string, bypass bool) error {
	loop := NewLoop(a.deps, sessionID, branchID)
	loop.mu.Lock()
	loop.currentAgent = agentName
	loop.mu.Unlock()
	return loop.RunOnce(ctx, prompt, bypass)
}

var _ subagent.Runner = (*SubagentRunnerAdapter)(nil)
