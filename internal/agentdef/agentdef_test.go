package agentdef

import "testing"

func TestToolAllowed_NoRestrictions(t *testing.T) {
	d := Definition{Name: "default"}
	if !d.ToolAllowed("Shell") {
		t.Fatal("expected unrestricted definition to allow any tool")
	}
}

func TestToolAllowed_AllowList(t *testing.T) {
	d := Definition{Name: "reader", AllowedTools: []string{"Read", "Grep"}}
	if !d.ToolAllowed("Read") {
		t.Error("expected Read allowed")
	}
	if d.ToolAllowed("Shell") {
		t.Error("expected Shell denied by absence from allow-list")
	}
}

func TestToolAllowed_DenyList(t *testing.T) {
	d := Definition{Name: "sandboxed", DeniedTools: []string{"Shell"}}
	if d.ToolAllowed("Shell") {
		t.Error("expected Shell denied")
	}
	if !d.ToolAllowed("Read") {
		t.Error("expected Read allowed")
	}
}

func TestToolAllowed_AllowAndDenyCombine(t *testing.T) {
	d := Definition{Name: "mixed", AllowedTools: []string{"Shell", "Read"}, DeniedTools: []string{"Shell"}}
	if d.ToolAllowed("Shell") {
		t.Error("expected deny-list to override allow-list")
	}
	if !d.ToolAllowed("Read") {
		t.Error("expected Read allowed")
	}
}

func TestRegistry_GetAndNotFound(t *testing.T) {
	r := NewRegistry(Definition{Name: "default", PreferredModel: "gpt-5"})

	got, err := r.Get("default")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PreferredModel != "gpt-5" {
		t.Errorf("PreferredModel = %q", got.PreferredModel)
	}

	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected ErrNotFound for missing agent")
	}
}
