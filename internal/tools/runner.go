package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cevr/harness/internal/permission"
	"github.com/cevr/harness/internal/provider"
	"github.com/cevr/harness/internal/store"
)

// Runner is the Tool Runner of spec §4.4: permission-gate, decode, execute,
// and always surface the outcome as a ToolResultPart — it never returns a
// Go error from Run.
type Runner struct {
	registry   *Registry
	permission *permission.Engine
}

func NewRunner(registry *Registry, perm *permission.Engine) *Runner {
	return &Runner{registry: registry, permission: perm}
}

// Result is the spec §4.4 ToolResultPart, independent of how the caller
// chooses to persist or serialise it.
type Result struct {
	ToolCallID string
	ToolName   string
	IsError    bool
	Value      json.RawMessage
}

// Part converts a Result into the store's persisted Part shape.
func (r Result) Part() store.Part {
	outputType := "json"
	if r.IsError {
		outputType = "error-json"
	}
	return store.Part{
		Type:            store.PartToolResult,
		ToolCallID:      r.ToolCallID,
		ToolName:        r.ToolName,
		ToolOutputType:  outputType,
		ToolOutputValue: r.Value,
	}
}

func errorResult(call provider.ToolCall, format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	value, _ := json.Marshal(map[string]string{"error": msg})
	return Result{ToolCallID: call.ID, ToolName: call.Name, IsError: true, Value: value}
}

// Run executes one tool call per spec §4.4's numbered behaviour. bypass
// true skips the Permission Engine entirely (spec §4.4 step 2).
func (r *Runner) Run(ctx context.Context, call provider.ToolCall, tctx Context, bypass bool) Result {
	tool, ok := r.registry.Lookup(call.Name)
	if !ok {
		return errorResult(call, "Unknown tool: %s", call.Name)
	}

	if !bypass {
		decision, err := r.permission.Check(ctx, call.Name, call.Arguments)
		if err != nil {
			// Handler contract treats failure as deny (spec §4.4 step 3); a
			// non-nil error here would mean Check itself is broken, which we
			// still must not propagate.
			return errorResult(call, "Permission denied")
		}
		if decision == store.ActionDeny {
			return errorResult(call, "Permission denied")
		}
	}

	if err := tool.validate(call.Arguments); err != nil {
		return errorResult(call, "Invalid tool input: %v", err)
	}

	value, err := tool.Handler(ctx, tctx, call.Arguments)
	if err != nil {
		return errorResult(call, "Tool failed: %v", err)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return errorResult(call, "Tool failed: encode result: %v", err)
	}
	return Result{ToolCallID: call.ID, ToolName: call.Name, IsError: false, Value: encoded}
}
