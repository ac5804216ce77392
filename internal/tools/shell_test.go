package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestShellTool_EchoCommand(t *testing.T) {
	tool := NewShellTool(t.TempDir())
	out, err := tool.Handler(context.Background(), Context{}, json.RawMessage(`{"command":"echo hello"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	result, ok := out.(map[string]string)
	if !ok {
		t.Fatalf("unexpected result type %T", out)
	}
	if !strings.Contains(result["output"], "hello") {
		t.Errorf("output = %q, want to contain %q", result["output"], "hello")
	}
}

func TestShellTool_PersistsCwdAcrossCalls(t *testing.T) {
	root := t.TempDir()
	tool := NewShellTool(root)

	if _, err := tool.Handler(context.Background(), Context{}, json.RawMessage(`{"command":"mkdir sub && cd sub"}`)); err != nil {
		t.Fatalf("Handler: %v", err)
	}

	out, err := tool.Handler(context.Background(), Context{}, json.RawMessage(`{"command":"pwd"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	result := out.(map[string]string)
	if !strings.Contains(result["output"], "sub") {
		t.Errorf("expected cwd to persist into /sub, got %q", result["output"])
	}
}

func TestShellTool_MissingCommand(t *testing.T) {
	tool := NewShellTool(t.TempDir())
	_, err := tool.Handler(context.Background(), Context{}, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for missing command")
	}
}
