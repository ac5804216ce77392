package harness

import (
	"context"

	"github.com/cevr/harness/internal/engine"
	"github.com/cevr/harness/internal/eventbus"
	"github.com/cevr/harness/internal/store"
)

// SendMessageParams is the spec §6 sendMessage input. Mode is carried
// through unvalidated: the core doesn't branch on it today (see DESIGN.md
// for why), but the field is part of the wire contract.
type SendMessageParams struct {
	SessionID string
	BranchID  string
	Content   string
	Mode      string
	Model     string
}

// SendMessage implements spec §6 sendMessage: records a model override on
// the branch if given, then admits the message to that (session,branch)'s
// Agent Loop, creating the loop on demand.
func (h *Harness) SendMessage(ctx context.Context, p SendMessageParams) error {
	if p.Model != "" {
		if err := h.deps.Store.UpdateBranchPreferredModel(p.BranchID, p.Model); err != nil {
			return err
		}
	}

	sess, err := h.deps.Store.GetSession(p.SessionID)
	if err != nil {
		return err
	}

	loop := h.getOrCreateLoop(p.SessionID, p.BranchID)
	return loop.SendMessage(ctx, p.Content, sess.Bypass)
}

// ListMessages implements spec §6 listMessages.
func (h *Harness) ListMessages(branchID string) ([]*store.Message, error) {
	return h.deps.Store.ListMessagesByBranch(branchID)
}

// SessionState is the spec §6 getSessionState result shape.
type SessionState struct {
	Messages    []*store.Message
	LastEventID int64
	IsStreaming bool
	Agent       string
	Model       string
	Bypass      bool
}

// GetSessionState implements spec §6 getSessionState.
func (h *Harness) GetSessionState(sessionID, branchID string) (*SessionState, error) {
	msgs, err := h.deps.Store.ListMessagesByBranch(branchID)
	if err != nil {
		return nil, err
	}

	lastEventID, err := h.deps.Events.GetLatestEventID(sessionID)
	if err != nil {
		return nil, err
	}

	isStreaming := false
	if env, err := h.deps.Events.GetLatestByTags(sessionID, branchID, eventbus.KindStreamStarted, eventbus.KindStreamEnded); err == nil && env != nil {
		isStreaming = env.Event.Kind == eventbus.KindStreamStarted
	}

	branch, err := h.deps.Store.GetBranch(branchID)
	if err != nil {
		return nil, err
	}
	sess, err := h.deps.Store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	loop, loopExists := h.loops[loopKey(sessionID, branchID)]
	h.mu.Unlock()

	agent := h.deps.BaselineAgent
	if loopExists {
		agent = loop.CurrentAgent()
	}

	return &SessionState{
		Messages:    msgs,
		LastEventID: lastEventID,
		IsStreaming: isStreaming,
		Agent:       agent,
		Model:       branch.PreferredModel,
		Bypass:      sess.Bypass,
	}, nil
}

// Steer implements spec §6 steer: enqueue onto the addressed loop's steer
// queue, creating the loop on demand.
func (h *Harness) Steer(sessionID, branchID string, cmd engine.SteerCommand) {
	h.getOrCreateLoop(sessionID, branchID).Steer(cmd)
}

// ApprovePlan implements spec §6 approvePlan: create a Plan Checkpoint and
// emit PlanConfirmed.
func (h *Harness) ApprovePlan(sessionID, branchID, planPath string) error {
	if _, err := h.deps.Store.CreatePlanCheckpoint(branchID, planPath); err != nil {
		return err
	}
	h.publish(eventbus.KindPlanConfirmed, sessionID, branchID, map[string]any{"planPath": planPath})
	return nil
}

// CompactBranch implements spec §6 compactBranch: summarise everything but
// the most recent deps.CompactionKeepLast messages into a Compaction
// Checkpoint, emitting CompactionStarted/Completed around the work.
func (h *Harness) CompactBranch(ctx context.Context, sessionID, branchID string) error {
	h.publish(eventbus.KindCompactionStarted, sessionID, branchID, nil)

	msgs, err := h.deps.Store.ListMessagesByBranch(branchID)
	if err != nil {
		h.publish(eventbus.KindCompactionCompleted, sessionID, branchID, map[string]any{"success": false})
		return err
	}

	keep := h.deps.CompactionKeepLast
	if keep >= len(msgs) {
		h.publish(eventbus.KindCompactionCompleted, sessionID, branchID, map[string]any{"success": false, "reason": "nothing to compact"})
		return nil
	}
	toSummarize, firstKept := msgs[:len(msgs)-keep], msgs[len(msgs)-keep]

	summary, err := h.completeText(ctx, summarizeSystemPrompt, transcriptText(toSummarize))
	if err != nil {
		h.publish(eventbus.KindCompactionCompleted, sessionID, branchID, map[string]any{"success": false})
		return err
	}

	if _, err := h.deps.Store.CreateCompactionCheckpoint(branchID, summary, firstKept.ID); err != nil {
		h.publish(eventbus.KindCompactionCompleted, sessionID, branchID, map[string]any{"success": false})
		return err
	}

	h.publish(eventbus.KindCompactionCompleted, sessionID, branchID, map[string]any{"success": true})
	return nil
}

// SubscribeEvents implements spec §6 subscribeEvents.
func (h *Harness) SubscribeEvents(ctx context.Context, sessionID, branchID string, afterID int64) (<-chan *eventbus.Envelope, error) {
	return h.deps.Events.Subscribe(ctx, eventbus.Filter{SessionID: sessionID, BranchID: branchID, AfterID: afterID})
}
