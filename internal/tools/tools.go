// Package tools is the Tool Registry & Tool Runner of spec §4.4: a named,
// schema-validated, permission-gated set of callable tools, each declaring a
// concurrency class, executed by a runner that never lets a tool failure
// escape as a Go error — every outcome becomes a ToolResultPart the model
// can observe. Grounded on the teacher's internal/mcp tool-result shaping
// (ContentBlock/IsError) and internal/mcptools tool definitions, generalized
// from MCP's wire shape to the harness's {json | error-json} output union,
// and on goadesign-goa-ai's use of santhosh-tekuri/jsonschema/v6 for
// argument validation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Concurrency is the per-tool execution class of spec §4.4.
type Concurrency int

const (
	Parallel Concurrency = iota
	Serial
)

// Context is the per-call metadata threaded to a tool's Handler, matching
// spec §4.4 step 6's ctx tuple.
type Context struct {
	SessionID  string
	BranchID   string
	ToolCallID string
	AgentName  string
}

// Handler executes a tool against already-schema-validated input. A
// non-nil error here is wrapped by the Runner as a "Tool failed" result —
// handlers should return ordinary Go errors and never attempt their own
// ToolResultPart shaping.
type Handler func(ctx context.Context, tctx Context, input json.RawMessage) (any, error)

// Tool is one registry entry: declaration plus the handler that backs it.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage // JSON Schema; empty means accept any input
	Concurrency Concurrency
	Handler     Handler

	compiled *jsonschema.Schema
}

// Registry looks up tools by name for both the Agent Loop (to build the
// provider's tool list) and the Tool Runner (to execute a call).
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry compiles each tool's schema up front so a malformed schema
// fails at startup rather than on the first call.
func NewRegistry(defs ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool, len(defs))}
	for i := range defs {
		t := defs[i]
		if len(t.InputSchema) > 0 {
			compiled, err := compileSchema(t.Name, t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tools: compile schema for %q: %w", t.Name, err)
			}
			t.compiled = compiled
		}
		r.tools[t.Name] = &t
	}
	return r, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resource)
}

// Register adds t to the registry, compiling its schema just as NewRegistry
// does. Exists for tools whose handler is only constructible after other
// startup wiring is in place (e.g. a SubAgent tool that closes over an
// already-built Sub-Agent Actor) — register everything else through
// NewRegistry and reach for this only to break that ordering.
func (r *Registry) Register(t Tool) error {
	if len(t.InputSchema) > 0 {
		compiled, err := compileSchema(t.Name, t.InputSchema)
		if err != nil {
			return fmt.Errorf("tools: compile schema for %q: %w", t.Name, err)
		}
		t.compiled = compiled
	}
	r.tools[t.Name] = &t
	return nil
}

// Lookup returns the named tool, or (nil, false) if unregistered.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every registered tool's provider-facing declaration,
// filtered to those name lets through (e.g. an Agent Definition's
// ToolAllowed).
func (r *Registry) Definitions(allowed func(name string) bool) []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if allowed == nil || allowed(t.Name) {
			out = append(out, *t)
		}
	}
	return out
}

// validate checks input against the tool's compiled schema, if any.
func (t *Tool) validate(input json.RawMessage) error {
	if t.compiled == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("unmarshal input: %w", err)
	}
	return t.compiled.Validate(doc)
}
