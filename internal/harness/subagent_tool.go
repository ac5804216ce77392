package harness

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cevr/harness/internal/subagent"
	"github.com/cevr/harness/internal/tools"
)

var subAgentInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"agent": {"type": "string", "description": "Name of the registered agent definition to run"},
		"prompt": {"type": "string", "description": "The task to hand to the sub-agent"},
		"bypass": {"type": "boolean", "description": "Skip permission checks for the sub-agent's tool calls"}
	},
	"required": ["agent", "prompt"]
}`)

type subAgentInput struct {
	Agent  string `json:"agent"`
	Prompt string `json:"prompt"`
	Bypass bool   `json:"bypass"`
}

// subAgentResult mirrors subagent.Result with JSON field names, carrying
// the "_tag" discriminator the rest of the wire format uses (spec §4.8,
// §6) instead of surfacing sub-agent failure as a Go/tool-runner error:
// the model is meant to see *why* a sub-agent failed, not a generic "Tool
// failed" string.
type subAgentResult struct {
	Tag       string `json:"_tag"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	AgentName string `json:"agentName,omitempty"`
}

// NewSubAgentTool builds the spec §4.8 SubAgent tool: invoking a named
// agent against a one-shot prompt on a fresh child session/branch. cwd
// resolves the working directory to hand the child session, typically by
// looking up the parent session's own Cwd.
func NewSubAgentTool(actor *subagent.Actor, timeout time.Duration, cwd func(sessionID string) string) tools.Tool {
	return tools.Tool{
		Name:        "SubAgent",
		Description: "Delegate a task to a named sub-agent running in its own session.",
		InputSchema: subAgentInputSchema,
		Concurrency: tools.Parallel,
		Handler: func(ctx context.Context, tctx tools.Context, input json.RawMessage) (any, error) {
			var args subAgentInput
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, err
			}

			var withTimeout subagent.WithTimeout
			if timeout > 0 {
				withTimeout = func(ctx context.Context) (context.Context, context.CancelFunc) {
					return context.WithTimeout(ctx, timeout)
				}
			}

			result := actor.Run(ctx, subagent.Request{
				ParentSessionID: tctx.SessionID,
				ParentBranchID:  tctx.BranchID,
				Agent:           args.Agent,
				Prompt:          args.Prompt,
				Cwd:             cwd(tctx.SessionID),
				Bypass:          args.Bypass,
			}, withTimeout)

			return subAgentResult{
				Tag: result.Tag, Text: result.Text, Error: result.Error,
				SessionID: result.SessionID, AgentName: result.AgentName,
			}, nil
		},
	}
}
