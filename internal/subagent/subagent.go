// Package subagent is the Sub-Agent Actor of spec §4.8: a recursive harness
// invocation that runs a named agent against a one-shot prompt on a fresh
// child session/branch and returns the final assistant text. Grounded on
// the teacher's internal/subagent.Run — same "drive a sub-turn to
// completion, then walk messages backwards for the last assistant text"
// shape, generalized from the teacher's fixed iteration-count loop to the
// harness's full Agent Loop turn algorithm (delegated via Runner so this
// package never imports internal/engine: the core only depends on this
// interface, exactly as spec §4.8's closing paragraph requires for the
// in-process/out-of-process split).
package subagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/cevr/harness/internal/eventbus"
	"github.com/cevr/harness/internal/retry"
	"github.com/cevr/harness/internal/store"
)

// Runner executes one full Agent Loop turn (spec §4.6) to completion
// against an already-created (session,branch), with no steering queue and
// no follow-ups, as spec §4.8 step 3 requires. Implemented by
// internal/engine; wired into an Actor at harness construction time.
type Runner interface {
	RunTurn(ctx context.Context, sessionID, branchID, agentName, prompt string, bypass bool) error
}

// Request is the spec §4.8 run() input.
type Request struct {
	ParentSessionID string
	ParentBranchID  string
	Agent           string
	Prompt          string
	Cwd             string
	Bypass          bool
}

// Result is the spec §4.8 run() output, using Tag instead of a "_tag" field
// to stay idiomatic while matching the wire discriminator elsewhere.
type Result struct {
	Tag       string // "success" | "error"
	Text      string
	Error     string
	SessionID string
	AgentName string
}

// Actor runs sub-agents against the shared Storage Repository and Event
// Store, delegating actual turn execution to a Runner.
type Actor struct {
	st     *store.Store
	events *eventbus.Bus
	runner Runner
	policy retry.Policy
}

// New builds an Actor. Run's timeout parameter, if non-nil, derives a
// bounded context from the caller's ctx for each call (spec §4.8 step 4).
func New(st *store.Store, events *eventbus.Bus, runner Runner, policy retry.Policy) *Actor {
	return &Actor{st: st, events: events, runner: runner, policy: policy}
}

// Error is the SubagentError kind of spec §7.
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("subagent: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("subagent: %s", e.Message)
}
func (e *Error) Unwrap() error { return e.Cause }

// Run executes the spec §4.8 algorithm end to end.
func (a *Actor) Run(ctx context.Context, req Request, timeout WithTimeout) Result {
	session, branch, err := a.st.CreateSession(store.CreateSessionParams{
		Cwd:             req.Cwd,
		Bypass:          req.Bypass,
		ParentSessionID: req.ParentSessionID,
		ParentBranchID:  req.ParentBranchID,
	})
	if err != nil {
		return Result{Tag: "error", Error: (&Error{Message: "create session", Cause: err}).Error(), AgentName: req.Agent}
	}

	a.events.Publish(eventbus.Event{
		Kind:      eventbus.KindSubagentSpawned,
		SessionID: session.ID,
		BranchID:  branch.ID,
		Fields: map[string]any{
			"parentSessionId": req.ParentSessionID,
			"parentBranchId":  req.ParentBranchID,
			"agent":           req.Agent,
			"prompt":          req.Prompt,
		},
	})
	a.events.Publish(eventbus.Event{
		Kind:      eventbus.KindAgentSwitched,
		SessionID: session.ID,
		BranchID:  branch.ID,
		Fields:    map[string]any{"fromAgent": "baseline", "toAgent": req.Agent},
	})

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout != nil {
		runCtx, cancel = timeout(ctx)
		defer cancel()
	}

	runErr := retry.Do(runCtx, a.policy, func() error {
		return a.runner.RunTurn(runCtx, session.ID, branch.ID, req.Agent, req.Prompt, req.Bypass)
	})

	result := a.finish(session.ID, branch.ID, req.Agent, runCtx, runErr)
	a.events.Publish(eventbus.Event{
		Kind:      eventbus.KindSubagentCompleted,
		SessionID: session.ID,
		BranchID:  branch.ID,
		Fields:    map[string]any{"success": result.Tag == "success"},
	})
	return result
}

// WithTimeout derives a bounded child context from ctx, e.g.
// func(ctx) (context.Context, context.CancelFunc) { return context.WithTimeout(ctx, 5*time.Minute) }.
type WithTimeout func(context.Context) (context.Context, context.CancelFunc)

func (a *Actor) finish(sessionID, branchID, agentName string, runCtx context.Context, runErr error) Result {
	if runErr != nil {
		msg := "run failed"
		if errors.Is(runErr, context.DeadlineExceeded) {
			msg = "timed out"
		}
		return Result{Tag: "error", Error: (&Error{Message: msg, Cause: runErr}).Error(), SessionID: sessionID, AgentName: agentName}
	}

	text, err := a.lastAssistantText(branchID)
	if err != nil {
		return Result{Tag: "error", Error: (&Error{Message: "no assistant output", Cause: err}).Error(), SessionID: sessionID, AgentName: agentName}
	}
	return Result{Tag: "success", Text: text, SessionID: sessionID, AgentName: agentName}
}

func (a *Actor) lastAssistantText(branchID string) (string, error) {
	msgs, err := a.st.ListMessagesByBranch(branchID)
	if err != nil {
		return "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != store.RoleAssistant {
			continue
		}
		for _, part := range msgs[i].Parts {
			if part.Type == store.PartText && part.Text != "" {
				return part.Text, nil
			}
		}
	}
	return "", fmt.Errorf("no assistant text found on branch %s", branchID)
}
