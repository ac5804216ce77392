package permission

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cevr/harness/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheck_NoRules_UsesDefault(t *testing.T) {
	st := openTestStore(t)
	e, err := New(st, WithDefault(store.ActionAllow))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := e.Check(context.Background(), "Read", []byte(`{}`))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != store.ActionAllow {
		t.Fatalf("got %v, want allow", got)
	}
}

func TestCheck_FirstRuleWins(t *testing.T) {
	st := openTestStore(t)
	e, err := New(st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := e.AddRule("Shell", `rm -rf`, store.ActionDeny); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if _, err := e.AddRule("Shell", "", store.ActionAllow); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	denied, err := e.Check(context.Background(), "Shell", []byte(`{"cmd":"rm -rf /"}`))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if denied != store.ActionDeny {
		t.Fatalf("got %v, want deny (more specific rule inserted first)", denied)
	}

	allowed, err := e.Check(context.Background(), "Shell", []byte(`{"cmd":"ls"}`))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if allowed != store.ActionAllow {
		t.Fatalf("got %v, want allow (falls through to catch-all rule)", allowed)
	}
}

func TestCheck_AskInvokesHandler(t *testing.T) {
	st := openTestStore(t)
	var gotTool string
	e, err := New(st, WithHandler(HandlerFunc(func(_ context.Context, toolName string, _ []byte) (store.PermissionAction, error) {
		gotTool = toolName
		return store.ActionAllow, nil
	})))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := e.Check(context.Background(), "Write", []byte(`{}`))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != store.ActionAllow {
		t.Fatalf("got %v, want allow", got)
	}
	if gotTool != "Write" {
		t.Fatalf("handler saw tool %q, want Write", gotTool)
	}
}

func TestCheck_HandlerErrorTreatedAsDeny(t *testing.T) {
	st := openTestStore(t)
	e, err := New(st, WithHandler(HandlerFunc(func(context.Context, string, []byte) (store.PermissionAction, error) {
		return "", context.Canceled
	})))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := e.Check(context.Background(), "Write", []byte(`{}`))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != store.ActionDeny {
		t.Fatalf("got %v, want deny on handler error", got)
	}
}

func TestRemoveRule_RefreshesEvaluationOrder(t *testing.T) {
	st := openTestStore(t)
	e, err := New(st, WithDefault(store.ActionAllow))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := e.AddRule("Shell", "", store.ActionDeny); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := e.RemoveRule("Shell", ""); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}

	got, err := e.Check(context.Background(), "Shell", []byte(`{}`))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != store.ActionAllow {
		t.Fatalf("got %v, want allow after rule removed", got)
	}
}
