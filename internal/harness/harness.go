// Package harness is the Core Façade of spec §6: the one entry point
// external callers (a CLI, an RPC server) drive, wiring every other
// component together and owning the one piece of process-wide state none
// of them carry alone — the live map from (session,branch) to its Agent
// Loop. Grounded on the teacher's internal/tui App struct, which plays the
// same role of gluing store/provider/subagent together behind a small
// method surface, generalized here from a bubbletea update loop to a
// transport-agnostic façade cobra and any future RPC layer can sit on top
// of.
package harness

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cevr/harness/internal/agentdef"
	"github.com/cevr/harness/internal/checkpoint"
	"github.com/cevr/harness/internal/engine"
	"github.com/cevr/harness/internal/eventbus"
	"github.com/cevr/harness/internal/permission"
	"github.com/cevr/harness/internal/provider"
	"github.com/cevr/harness/internal/retry"
	"github.com/cevr/harness/internal/store"
	"github.com/cevr/harness/internal/subagent"
	"github.com/cevr/harness/internal/tools"
)

// Deps are every collaborator the façade wires at construction time (spec
// §6's "Configuration surface"), one level above engine.Deps: it adds the
// Permission Engine and Sub-Agent Actor, and the two "cheap model" knobs
// (session naming, branch-compaction summarisation) that only the façade's
// background tasks need.
type Deps struct {
	Store       *store.Store
	Events      *eventbus.Bus
	Checkpoints *checkpoint.Service
	Agents      *agentdef.Registry
	Tools       *tools.Registry
	ToolRunner  *tools.Runner
	Providers   *provider.Registry
	Permissions *permission.Engine
	Subagents   *subagent.Actor

	ProviderName    string
	DefaultModel    string
	CheckpointModel string // cheap-model identifier for naming/summarisation

	RetryPolicy      retry.Policy
	BaseSystemPrompt string
	FollowupMax      int
	ToolConcurrency  int
	BaselineAgent    string

	// CompactionKeepLast bounds how many of a branch's most recent messages
	// survive compaction verbatim; everything older is folded into the
	// checkpoint's summary. Defaults to 4.
	CompactionKeepLast int
}

func (d Deps) EngineDeps() engine.Deps {
	return engine.Deps{
		Store:            d.Store,
		Events:           d.Events,
		Checkpoints:      d.Checkpoints,
		Agents:           d.Agents,
		Tools:            d.Tools,
		ToolRunner:       d.ToolRunner,
		Providers:        d.Providers,
		ProviderName:     d.ProviderName,
		DefaultModel:     d.DefaultModel,
		RetryPolicy:      d.RetryPolicy,
		BaseSystemPrompt: d.BaseSystemPrompt,
		FollowupMax:      d.FollowupMax,
		ToolConcurrency:  d.ToolConcurrency,
		BaselineAgent:    d.BaselineAgent,
	}
}

// Harness is the Core Façade. One Harness owns every Agent Loop in the
// process; callers never construct an engine.Loop directly.
type Harness struct {
	deps Deps

	mu    sync.Mutex
	loops map[string]*engine.Loop
}

// New builds a Harness. Callers are expected to have already opened
// deps.Store and wired deps.Subagents' Runner to
// engine.NewSubagentRunnerAdapter(harnessDeps.EngineDeps()) — see
// cmd/harnessd for the full construction sequence.
func New(deps Deps) *Harness {
	if deps.CompactionKeepLast <= 0 {
		deps.CompactionKeepLast = 4
	}
	return &Harness{deps: deps, loops: make(map[string]*engine.Loop)}
}

func loopKey(sessionID, branchID string) string { return sessionID + ":" + branchID }

// getOrCreateLoop returns the loop for (sessionID,branchID), constructing
// one on first reference — spec §6's "creating the loop on demand" for
// steer, and implicitly for sendMessage/createSession.
func (h *Harness) getOrCreateLoop(sessionID, branchID string) *engine.Loop {
	key := loopKey(sessionID, branchID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.loops[key]; ok {
		return l
	}
	l := engine.NewLoop(h.deps.EngineDeps(), sessionID, branchID)
	h.loops[key] = l
	return l
}

func (h *Harness) dropLoops(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prefix := sessionID + ":"
	for key := range h.loops {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(h.loops, key)
		}
	}
}

func (h *Harness) publish(kind eventbus.Kind, sessionID, branchID string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	if _, err := h.deps.Events.Publish(eventbus.Event{Kind: kind, SessionID: sessionID, BranchID: branchID, Fields: fields}); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("harness: publish failed")
	}
}

// Error is the façade-level error shape for operations that don't already
// return one of the core's typed errors (store.Error, engine.Error, ...).
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("harness: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("harness: %s", e.Message)
}
func (e *Error) Unwrap() error { return e.Cause }

// completeText drains a one-shot, toolless provider stream and returns its
// text — the shared plumbing behind session naming and branch
// summarisation, both of which spec §6 calls out as "a cheap model" use.
func (h *Harness) completeText(ctx context.Context, systemPrompt, userContent string) (string, error) {
	model := h.deps.CheckpointModel
	if model == "" {
		model = h.deps.DefaultModel
	}
	prov, err := h.deps.Providers.Create(h.deps.ProviderName, model)
	if err != nil {
		return "", err
	}

	chunks, errc := prov.Stream(ctx, provider.Request{
		Model:        model,
		SystemPrompt: systemPrompt,
		Messages:     []provider.Message{{Role: "user", Content: userContent}},
	})

	var text string
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return text, nil
			}
			if chunk.Type == provider.ChunkText {
				text += chunk.Text
			}
		case err, ok := <-errc:
			if ok && err != nil {
				return "", err
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
