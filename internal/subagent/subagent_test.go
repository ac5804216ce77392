package subagent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cevr/harness/internal/eventbus"
	"github.com/cevr/harness/internal/retry"
	"github.com/cevr/harness/internal/store"
)

type fakeRunner struct {
	run func(ctx context.Context, sessionID, branchID, agentName, prompt string, bypass bool) error
}

func (f fakeRunner) RunTurn(ctx context.Context, sessionID, branchID, agentName, prompt string, bypass bool) error {
	return f.run(ctx, sessionID, branchID, agentName, prompt, bypass)
}

func testDeps(t *testing.T) (*store.Store, *eventbus.Bus) {
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
	return st, bus
}

func TestRun_Success(t *testing.T) {
	st, bus := testDeps(t)

	runner := fakeRunner{run: func(_ context.Context, sessionID, branchID, _, _ string, _ bool) error {
		return st.CreateMessage(&store.Message{
			SessionID: sessionID,
			BranchID:  branchID,
			Role:      store.RoleAssistant,
			Parts:     []store.Part{{Type: store.PartText, Text: "done"}},
		})
	}}

	actor := New(st, bus, runner, retry.Policy{MaxAttempts: 1})
	result := actor.Run(context.Background(), Request{Agent: "researcher", Prompt: "find x"}, nil)

	if result.Tag != "success" {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Text != "done" {
		t.Errorf("Text = %q, want done", result.Text)
	}
	if result.SessionID == "" {
		t.Error("expected non-empty SessionID")
	}
}

func TestRun_NoAssistantOutput(t *testing.T) {
	st, bus := testDeps(t)
	runner := fakeRunner{run: func(context.Context, string, string, string, string, bool) error { return nil }}

	actor := New(st, bus, runner, retry.Policy{MaxAttempts: 1})
	result := actor.Run(context.Background(), Request{Agent: "researcher", Prompt: "find x"}, nil)

	if result.Tag != "error" {
		t.Fatalf("expected error result, got %+v", result)
	}
}

func TestRun_RunnerFailure(t *testing.T) {
	st, bus := testDeps(t)
	runner := fakeRunner{run: func(context.Context, string, string, string, string, bool) error {
		return errors.New("boom")
	}}

	actor := New(st, bus, runner, retry.Policy{MaxAttempts: 1})
	result := actor.Run(context.Background(), Request{Agent: "researcher", Prompt: "find x"}, nil)

	if result.Tag != "error" {
		t.Fatalf("expected error result, got %+v", result)
	}
}

func TestRun_Timeout(t *testing.T) {
	st, bus := testDeps(t)
	runner := fakeRunner{run: func(ctx context.Context, _, _, _, _ string, _ bool) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	actor := New(st, bus, runner, retry.Policy{MaxAttempts: 1})
	withTimeout := func(ctx context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, 10*time.Millisecond)
	}
	result := actor.Run(context.Background(), Request{Agent: "researcher", Prompt: "find x"}, withTimeout)

	if result.Tag != "error" {
		t.Fatalf("expected error result, got %+v", result)
	}
}

func TestRun_PublishesSpawnedAndCompletedEvents(t *testing.T) {
	st, bus := testDeps(t)
	runner := fakeRunner{run: func(_ context.Context, sessionID, branchID, _, _ string, _ bool) error {
		return st.CreateMessage(&store.Message{
			SessionID: sessionID, BranchID: branchID, Role: store.RoleAssistant,
			Parts: []store.Part{{Type: store.PartText, Text: "ok"}},
		})
	}}

	actor := New(st, bus, runner, retry.Policy{MaxAttempts: 1})
	result := actor.Run(context.Background(), Request{Agent: "researcher", Prompt: "find x"}, nil)

	envs, err := bus.ListEvents(eventbus.Filter{SessionID: result.SessionID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var sawSpawned, sawSwitched, sawCompleted bool
	for _, e := range envs {
		switch e.Event.Kind {
		case eventbus.KindSubagentSpawned:
			sawSpawned = true
		case eventbus.KindAgentSwitched:
			sawSwitched = true
		case eventbus.KindSubagentCompleted:
			sawCompleted = true
		}
	}
	if !sawSpawned || !sawSwitched || !sawCompleted {
		t.Fatalf("missing expected events: spawned=%v switched=%v completed=%v", sawSpawned, sawSwitched, sawCompleted)
	}
}
