package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/cevr/harness/internal/permission"
	"github.com/cevr/harness/internal/provider"
	"github.com/cevr/harness/internal/store"
)

func testRunner(t *testing.T, opts ...permission.Option) (*Runner, *Registry) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	perm, err := permission.New(st, opts...)
	if err != nil {
		t.Fatalf("permission.New: %v", err)
	}

	registry, err := NewRegistry(NewEchoTool())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	return NewRunner(registry, perm), registry
}

func TestRun_UnknownTool(t *testing.T) {
	runner, _ := testRunner(t, permission.WithDefault(store.ActionAllow))
	result := runner.Run(context.Background(), provider.ToolCall{ID: "1", Name: "Nope"}, Context{}, false)
	if !result.IsError {
		t.Fatal("expected error result for unknown tool")
	}
	if got := errMessage(t, result.Value); got != "Unknown tool: Nope" {
		t.Errorf("got %q", got)
	}
}

func TestRun_PermissionDenied(t *testing.T) {
	runner, _ := testRunner(t, permission.WithDefault(store.ActionDeny))
	result := runner.Run(context.Background(), provider.ToolCall{ID: "1", Name: "Echo", Arguments: json.RawMessage(`{"text":"hi"}`)}, Context{}, false)
	if !result.IsError {
		t.Fatal("expected permission denial")
	}
	if got := errMessage(t, result.Value); got != "Permission denied" {
		t.Errorf("got %q", got)
	}
}

func TestRun_BypassSkipsPermission(t *testing.T) {
	runner, _ := testRunner(t, permission.WithDefault(store.ActionDeny))
	result := runner.Run(context.Background(), provider.ToolCall{ID: "1", Name: "Echo", Arguments: json.RawMessage(`{"text":"hi"}`)}, Context{}, true)
	if result.IsError {
		t.Fatalf("expected bypass to skip permission check, got error: %s", result.Value)
	}
}

func TestRun_InvalidInput(t *testing.T) {
	runner, _ := testRunner(t, permission.WithDefault(store.ActionAllow))
	result := runner.Run(context.Background(), provider.ToolCall{ID: "1", Name: "Echo", Arguments: json.RawMessage(`{}`)}, Context{}, false)
	if !result.IsError {
		t.Fatal("expected schema validation failure (missing required text)")
	}
}

func TestRun_Success(t *testing.T) {
	runner, _ := testRunner(t, permission.WithDefault(store.ActionAllow))
	result := runner.Run(context.Background(), provider.ToolCall{ID: "1", Name: "Echo", Arguments: json.RawMessage(`{"text":"hi"}`)}, Context{}, false)
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Value)
	}
	var decoded map[string]string
	if err := json.Unmarshal(result.Value, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["echo"] != "hi" {
		t.Errorf("echo = %q", decoded["echo"])
	}
}

func TestRunBatch_PreservesCallOrder(t *testing.T) {
	runner, _ := testRunner(t, permission.WithDefault(store.ActionAllow))
	calls := []provider.ToolCall{
		{ID: "1", Name: "Echo", Arguments: json.RawMessage(`{"text":"a"}`)},
		{ID: "2", Name: "Echo", Arguments: json.RawMessage(`{"text":"b"}`)},
		{ID: "3", Name: "Echo", Arguments: json.RawMessage(`{"text":"c"}`)},
	}
	results := runner.RunBatch(context.Background(), calls, Context{}, false, 0, BatchHooks{})
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []string{"1", "2", "3"} {
		if results[i].ToolCallID != want {
			t.Errorf("result[%d].ToolCallID = %q, want %q", i, results[i].ToolCallID, want)
		}
	}
}

func errMessage(t *testing.T, value json.RawMessage) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(value, &payload); err != nil {
		t.Fatalf("unmarshal error value: %v", err)
	}
	return payload.Error
}
