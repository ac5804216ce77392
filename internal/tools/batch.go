package tools

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cevr/harness/internal/provider"
)

// DefaultConcurrency is TOOL_CONCURRENCY from spec §4.4.
const DefaultConcurrency = 8

// BatchHooks lets the Agent Loop publish ToolCallStarted/ToolCallCompleted
// around each call without the Runner knowing about the event bus.
type BatchHooks struct {
	Started   func(call provider.ToolCall)
	Completed func(call provider.ToolCall, result Result)
}

// RunBatch executes every call in one assistant turn, honoring spec §4.4's
// concurrency rules: up to maxConcurrency calls run at once, but Serial
// tools additionally hold serialMu for the duration of their execution so
// at most one Serial call runs at a time regardless of maxConcurrency.
// Results are returned in call order regardless of completion order.
func (r *Runner) RunBatch(ctx context.Context, calls []provider.ToolCall, tctx Context, bypass bool, maxConcurrency int, hooks BatchHooks) []Result {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultConcurrency
	}

	results := make([]Result, len(calls))
	var serialMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(maxConcurrency)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			if hooks.Started != nil {
				hooks.Started(call)
			}

			tool, isSerial := r.registry.Lookup(call.Name)
			serial := isSerial && tool.Concurrency == Serial
			if serial {
				serialMu.Lock()
				defer serialMu.Unlock()
			}

			// Each call gets its own Context copy so concurrent calls in the
			// same batch never share a ToolCallID (spec §4.4 step 6:
			// ctx = {sessionId, branchId, toolCallId, agentName}).
			callCtx := tctx
			callCtx.ToolCallID = call.ID

			result := r.Run(ctx, call, callCtx, bypass)
			results[i] = result

			if hooks.Completed != nil {
				hooks.Completed(call, result)
			}
			return nil
		})
	}
	_ = g.Wait() // Run never returns a Go error; nothing to propagate

	return results
}
