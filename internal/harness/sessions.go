package harness

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/cevr/harness/internal/store"
)

// CreateSessionParams is the spec §6 createSession input.
type CreateSessionParams struct {
	Name         string
	Cwd          string
	FirstMessage string
	Bypass       bool
}

// SessionInfo is the spec §6 createSession/listSessions/getSession result
// shape.
type SessionInfo struct {
	SessionID string
	BranchID  string
	Name      string
	Bypass    bool
}

// namingSystemPrompt asks the checkpoint model for a short session title;
// grounded on the same "cheap model, single constrained completion" shape
// as branch summarisation.
const namingSystemPrompt = "Generate a short, descriptive title (3-6 words, no punctuation at the end) for a conversation that starts with the following message. Respond with the title only."

// CreateSession implements spec §6 createSession: creates the session and
// its root branch, optionally starts the first turn without blocking, and
// optionally kicks off a background naming task.
func (h *Harness) CreateSession(ctx context.Context, p CreateSessionParams) (*SessionInfo, error) {
	sess, branch, err := h.deps.Store.CreateSession(store.CreateSessionParams{
		Name: p.Name, Cwd: p.Cwd, Bypass: p.Bypass,
	})
	if err != nil {
		return nil, err
	}

	if p.FirstMessage != "" {
		loop := h.getOrCreateLoop(sess.ID, branch.ID)
		if err := loop.SendMessage(ctx, p.FirstMessage, p.Bypass); err != nil {
			log.Warn().Err(err).Str("sessionId", sess.ID).Msg("harness: first message admission failed")
		}

		if p.Name == "" && h.deps.ProviderName != "" {
			go h.nameSession(sess.ID, p.FirstMessage)
		}
	}

	return &SessionInfo{SessionID: sess.ID, BranchID: branch.ID, Name: sess.Name, Bypass: sess.Bypass}, nil
}

// nameSession runs detached from the request that triggered it: naming
// failures are logged, never surfaced, since the session is already usable
// without a generated name.
func (h *Harness) nameSession(sessionID, firstMessage string) {
	name, err := h.completeText(context.Background(), namingSystemPrompt, firstMessage)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("harness: session naming failed")
		return
	}
	name = truncateTitle(name)
	if name == "" {
		return
	}
	if err := h.deps.Store.UpdateSessionName(sessionID, name); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("harness: persist session name failed")
	}
}

func truncateTitle(s string) string {
	const max = 80
	runes := []rune(s)
	for len(runes) > 0 && (runes[0] == '"' || runes[0] == ' ' || runes[0] == '\n') {
		runes = runes[1:]
	}
	for len(runes) > 0 && (runes[len(runes)-1] == '"' || runes[len(runes)-1] == ' ' || runes[len(runes)-1] == '\n') {
		runes = runes[:len(runes)-1]
	}
	if len(runes) > max {
		runes = runes[:max]
	}
	return string(runes)
}

// ListSessions implements spec §6 listSessions.
func (h *Harness) ListSessions() ([]*store.Session, error) {
	return h.deps.Store.ListSessions()
}

// GetSession implements spec §6 getSession.
func (h *Harness) GetSession(id string) (*store.Session, error) {
	return h.deps.Store.GetSession(id)
}

// DeleteSession implements spec §6 deleteSession: removes all durable
// state and drops any in-memory loops bound to the session, so a later
// createSession reusing a freed id (practically never, given UUIDv7 ids,
// but cheap to guarantee) doesn't inherit stale loop state.
func (h *Harness) DeleteSession(id string) error {
	if err := h.deps.Store.DeleteSession(id); err != nil {
		return err
	}
	h.dropLoops(id)
	return nil
}

// UpdateSessionBypass implements spec §6 updateSessionBypass.
func (h *Harness) UpdateSessionBypass(id string, bypass bool) error {
	return h.deps.Store.UpdateSessionBypass(id, bypass)
}
