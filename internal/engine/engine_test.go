package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cevr/harness/internal/agentdef"
	"github.com/cevr/harness/internal/checkpoint"
	"github.com/cevr/harness/internal/eventbus"
	"github.com/cevr/harness/internal/permission"
	"github.com/cevr/harness/internal/provider"
	"github.com/cevr/harness/internal/retry"
	"github.com/cevr/harness/internal/store"
	"github.com/cevr/harness/internal/tools"
)

type mockFactory struct {
	name string
	p    provider.Provider
}

func (f mockFactory) Name() string                    { return f.name }
func (f mockFactory) Create(model string) provider.Provider { return f.p }

func testDeps(t *testing.T, mock *provider.Mock, toolDefs ...tools.Tool) Deps {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus, err := eventbus.New(st.DB())
	if err != nil {
		t.Fatalf("eventbus.New: %v", err)
	}

	perm, err := permission.New(st, permission.WithDefault(store.ActionAllow))
	if err != nil {
		t.Fatalf("permission.New: %v", err)
	}

	registry, err := tools.NewRegistry(toolDefs...)
	if err != nil {
		t.Fatalf("tools.NewRegistry: %v", err)
	}
	runner := tools.NewRunner(registry, perm)

	providers := provider.NewRegistry()
	providers.Register(mockFactory{name: "mock", p: mock})

	return Deps{
		Store:            st,
		Events:           bus,
		Checkpoints:      checkpoint.New(st),
		Agents:           agentdef.NewRegistry(agentdef.Definition{Name: "baseline"}),
		Tools:            registry,
		ToolRunner:       runner,
		Providers:        providers,
		ProviderName:     "mock",
		DefaultModel:     "mock-model",
		RetryPolicy:      retry.Policy{MaxAttempts: 1},
		BaseSystemPrompt: "You are a helpful assistant.",
		FollowupMax:      100,
		ToolConcurrency:  8,
		BaselineAgent:    "baseline",
	}
}

func waitForState(t *testing.T, l *Loop, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, l.State())
}

func TestRunOnce_NaturalCompletion(t *testing.T) {
	mock := provider.NewMock("mock").WithScript(
		provider.Chunk{Type: provider.ChunkText, Text: "hello there"},
		provider.Chunk{Type: provider.ChunkFinish, Usage: &provider.Usage{InputTokens: 5, OutputTokens: 2}},
	)
	deps := testDeps(t, mock)
	loop := NewLoop(deps, "sess-1", "branch-1")

	if err := loop.RunOnce(context.Background(), "hi", false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	msgs, err := deps.Store.ListMessagesByBranch("branch-1")
	if err != nil {
		t.Fatalf("ListMessagesByBranch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (user, assistant), got %d", len(msgs))
	}
	if msgs[1].Role != store.RoleAssistant || msgs[1].Parts[0].Text != "hello there" {
		t.Errorf("unexpected assistant message: %+v", msgs[1])
	}

	envs, _ := deps.Events.ListEvents(eventbus.Filter{SessionID: "sess-1"})
	var sawCompleted bool
	for _, e := range envs {
		if e.Event.Kind == eventbus.KindTurnCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Error("expected a TurnCompleted event")
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	echoSchema := json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
	echoTool := tools.Tool{
		Name: "echo", InputSchema: echoSchema, Concurrency: tools.Parallel,
		Handler: func(_ context.Context, _ tools.Context, input json.RawMessage) (any, error) {
			var args struct{ Text string }
			_ = json.Unmarshal(input, &args)
			return map[string]string{"echo": args.Text}, nil
		},
	}

	mock := provider.NewMock("mock").WithScript(
		provider.Chunk{Type: provider.ChunkToolCall, ToolCallID: "call-1", ToolCallName: "echo", ToolCallArgs: json.RawMessage(`{"text":"hi"}`)},
		provider.Chunk{Type: provider.ChunkFinish},
	).WithScript(
		provider.Chunk{Type: provider.ChunkText, Text: "done"},
		provider.Chunk{Type: provider.ChunkFinish},
	)
	deps := testDeps(t, mock, echoTool)
	loop := NewLoop(deps, "sess-2", "branch-2")

	if err := loop.RunOnce(context.Background(), "echo hi", false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	msgs, err := deps.Store.ListMessagesByBranch("branch-2")
	if err != nil {
		t.Fatalf("ListMessagesByBranch: %v", err)
	}
	// user, assistant(tool_call), tool(result), assistant(text)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[2].Role != store.RoleTool || msgs[2].Parts[0].ToolName != "echo" {
		t.Errorf("unexpected tool message: %+v", msgs[2])
	}
}

func TestSendMessage_QueuesFollowupWhileRunning(t *testing.T) {
	mock := provider.NewMock("mock").
		WithDelay(50 * time.Millisecond).
		WithScript(provider.Chunk{Type: provider.ChunkText, Text: "first"}, provider.Chunk{Type: provider.ChunkFinish}).
		WithScript(provider.Chunk{Type: provider.ChunkText, Text: "second"}, provider.Chunk{Type: provider.ChunkFinish})
	deps := testDeps(t, mock)
	loop := NewLoop(deps, "sess-3", "branch-3")

	if err := loop.SendMessage(context.Background(), "one", false); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if loop.State() != Running {
		t.Fatalf("expected Running immediately after SendMessage, got %v", loop.State())
	}
	if err := loop.SendMessage(context.Background(), "two", false); err != nil {
		t.Fatalf("SendMessage (follow-up): %v", err)
	}

	waitForState(t, loop, Idle)

	msgs, err := deps.Store.ListMessagesByBranch("branch-3")
	if err != nil {
		t.Fatalf("ListMessagesByBranch: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages (2 user, 2 assistant), got %d", len(msgs))
	}
}

func TestSteer_CancelDiscardsFollowups(t *testing.T) {
	mock := provider.NewMock("mock").WithDelay(200 * time.Millisecond).WithScript(
		provider.Chunk{Type: provider.ChunkText, Text: "partial"},
		provider.Chunk{Type: provider.ChunkFinish},
	)
	deps := testDeps(t, mock)
	loop := NewLoop(deps, "sess-4", "branch-4")

	if err := loop.SendMessage(context.Background(), "slow", false); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := loop.SendMessage(context.Background(), "queued", false); err != nil {
		t.Fatalf("SendMessage (follow-up): %v", err)
	}
	loop.Steer(SteerCommand{Kind: SteerCancel})

	waitForState(t, loop, Interrupted)

	if loop.followups.len() != 0 {
		t.Errorf("expected follow-up queue discarded on Cancel, has %d items", loop.followups.len())
	}
}

func TestSwitchAgent_AppliesAtNextTurn(t *testing.T) {
	mock := provider.NewMock("mock").WithScript(provider.Chunk{Type: provider.ChunkText, Text: "ok"}, provider.Chunk{Type: provider.ChunkFinish})
	deps := testDeps(t, mock)
	deps.Agents = agentdef.NewRegistry(
		agentdef.Definition{Name: "baseline"},
		agentdef.Definition{Name: "researcher", SystemPromptAddendum: "Dig deep."},
	)
	loop := NewLoop(deps, "sess-5", "branch-5")
	loop.Steer(SteerCommand{Kind: SteerSwitchAgent, AgentName: "researcher"})

	if err := loop.RunOnce(context.Background(), "hi", false); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if loop.currentAgentName() != "researcher" {
		t.Errorf("currentAgent = %q, want researcher", loop.currentAgentName())
	}

	envs, _ := deps.Events.ListEvents(eventbus.Filter{SessionID: "sess-5", Kinds: []eventbus.Kind{eventbus.KindAgentSwitched}})
	if len(envs) != 1 {
		t.Fatalf("expected 1 AgentSwitched event, got %d", len(envs))
	}
}
