package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cevr/harness/internal/agentdef"
	"github.com/cevr/harness/internal/checkpoint"
	"github.com/cevr/harness/internal/eventbus"
	"github.com/cevr/harness/internal/provider"
	"github.com/cevr/harness/internal/retry"
	"github.com/cevr/harness/internal/store"
	"github.com/cevr/harness/internal/tools"
)

// Deps are every collaborator a Loop needs, wired once at harness
// construction time (spec §6's "Configuration surface").
type Deps struct {
	Store       *store.Store
	Events      *eventbus.Bus
	Checkpoints *checkpoint.Service
	Agents      *agentdef.Registry
	Tools       *tools.Registry
	ToolRunner  *tools.Runner
	Providers   *provider.Registry

	// ProviderName selects the factory every model in this harness resolves
	// through; DefaultModel is used when neither the branch nor the agent
	// definition pins a model.
	ProviderName string
	DefaultModel string

	RetryPolicy      retry.Policy
	BaseSystemPrompt string
	FollowupMax      int
	ToolConcurrency  int
	BaselineAgent    string
}

// Loop is one Agent Loop state machine, spec §4.6, bound to a single
// (session,branch) for its lifetime.
type Loop struct {
	deps                 Deps
	sessionID, branchID string

	mu           sync.Mutex
	state        State
	currentAgent string
	pendingSteer []SteerCommand

	steer     *steerQueue
	followups *followupQueue
}

// NewLoop constructs a Loop, re-deriving the current-agent reference from
// the branch's latest AgentSwitched event per spec §4.6, falling back to
// deps.BaselineAgent.
func NewLoop(deps Deps, sessionID, branchID string) *Loop {
	agent := deps.BaselineAgent
	if env, err := deps.Events.GetLatestByTags(sessionID, branchID, eventbus.KindAgentSwitched); err == nil && env != nil {
		if to, ok := env.Event.Fields["toAgent"].(string); ok && to != "" {
			agent = to
		}
	}
	return &Loop{
		deps:         deps,
		sessionID:    sessionID,
		branchID:     branchID,
		currentAgent: agent,
		state:        Idle,
		steer:        newSteerQueue(),
		followups:    newFollowupQueue(deps.FollowupMax),
	}
}

// State reports the loop's current FSM state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Steer enqueues a Steer Command. Enqueuing is always accepted regardless
// of state; a loop sitting Idle simply carries a SwitchAgent into its next
// turn. An interrupting command queued against an Idle loop also stays
// queued until the next turn's first poll point: a Cancel or Interrupt then
// ends that turn before any model call, and an Interject moves its message
// to the front of the follow-up queue.
func (l *Loop) Steer(cmd SteerCommand) {
	l.steer.push(cmd)
}

// SendMessage is sendMessage's loop-local half (spec §6): admits a user
// message, returning promptly. If a turn is already running the message is
// appended to the follow-up queue instead of starting a new driver.
func (l *Loop) SendMessage(ctx context.Context, message string, bypass bool) error {
	l.mu.Lock()
	if l.state == Running {
		l.mu.Unlock()
		return l.followups.push(followupItem{message: message, bypass: bypass, kind: store.KindRegular})
	}
	l.state = Running
	l.mu.Unlock()

	go l.driveLoop(ctx, followupItem{message: message, bypass: bypass, kind: store.KindRegular})
	return nil
}

// driveLoop implements steps 3-4 of the per-turn algorithm: after one
// message's steps 1-2 complete, decide whether to recurse into a queued
// follow-up (preserving Running) or settle into Idle/Interrupted.
func (l *Loop) driveLoop(ctx context.Context, item followupItem) {
	for {
		interrupted, isCancel, err := l.runOneMessage(ctx, item)
		if err != nil {
			l.setState(Idle)
			return
		}
		if isCancel {
			l.followups.clear()
			l.setState(Interrupted)
			return
		}

		next, ok := l.followups.pop()
		if !ok {
			if interrupted {
				l.setState(Interrupted)
			} else {
				l.setState(Idle)
			}
			return
		}
		item = next
		// Re-entry preserves Running; no Idle/Interrupted transition happens
		// between follow-ups even though each still gets its own TurnCompleted.
	}
}

// RunOnce runs exactly one message through steps 1-2 synchronously, with no
// follow-up recursion afterward — the shape internal/subagent.Runner needs
// (spec §4.8 step 3: "no steering queue and no follow-ups").
func (l *Loop) RunOnce(ctx context.Context, message string, bypass bool) error {
	l.setState(Running)
	_, _, err := l.runOneMessage(ctx, followupItem{message: message, bypass: bypass, kind: store.KindRegular})
	l.setState(Idle)
	return err
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) currentAgentName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentAgent
}

// CurrentAgent reports the agent currently bound to this loop. Exported
// for the façade's getSessionState.
func (l *Loop) CurrentAgent() string {
	return l.currentAgentName()
}

func (l *Loop) switchAgent(name string) {
	l.mu.Lock()
	from := l.currentAgent
	l.currentAgent = name
	l.mu.Unlock()
	l.publish(eventbus.KindAgentSwitched, map[string]any{"fromAgent": from, "toAgent": name})
}

func (l *Loop) applyPendingSteer() {
	l.mu.Lock()
	pending := l.pendingSteer
	l.pendingSteer = nil
	l.mu.Unlock()
	for _, cmd := range pending {
		if cmd.Kind == SteerSwitchAgent {
			l.switchAgent(cmd.AgentName)
		}
	}
}

func (l *Loop) queuePendingSteer(cmd SteerCommand) {
	l.mu.Lock()
	l.pendingSteer = append(l.pendingSteer, cmd)
	l.mu.Unlock()
}

func (l *Loop) publish(kind eventbus.Kind, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	if _, err := l.deps.Events.Publish(eventbus.Event{Kind: kind, SessionID: l.sessionID, BranchID: l.branchID, Fields: fields}); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("engine: publish failed")
	}
}

func (l *Loop) resolveModel(def agentdef.Definition) string {
	if branch, err := l.deps.Store.GetBranch(l.branchID); err == nil && branch.PreferredModel != "" {
		return branch.PreferredModel
	}
	if def.PreferredModel != "" {
		return def.PreferredModel
	}
	return l.deps.DefaultModel
}

// finishTurn records the turn's duration and publishes TurnCompleted. The
// "interrupted" field is present only when true (Scenario A's clean
// completion carries no such field at all). Callers on the Interject path
// must not call this at all: per Scenario D, re-entry for an interjected
// follow-up stays inside the same Running turn, with no TurnCompleted
// published between the interjected message and the one it preempted.
func (l *Loop) finishTurn(userMsg *store.Message, turnStart time.Time, interrupted bool) {
	elapsed := time.Since(turnStart).Milliseconds()
	if err := l.deps.Store.UpdateTurnDuration(userMsg.ID, elapsed); err != nil {
		log.Warn().Err(err).Msg("engine: update turn duration failed")
	}
	fields := map[string]any{"durationMs": elapsed}
	if interrupted {
		fields["interrupted"] = true
	}
	l.publish(eventbus.KindTurnCompleted, fields)
}

func (l *Loop) fail(cause error) (bool, bool, error) {
	l.publish(eventbus.KindErrorOccurred, map[string]any{"error": cause.Error()})
	return false, false, &Error{Message: "turn failed", Cause: cause}
}
