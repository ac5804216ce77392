package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cevr/harness/internal/agentdef"
	"github.com/cevr/harness/internal/eventbus"
	"github.com/cevr/harness/internal/provider"
	"github.com/cevr/harness/internal/retry"
	"github.com/cevr/harness/internal/store"
	"github.com/cevr/harness/internal/telemetry"
	"github.com/cevr/harness/internal/tools"
)

// pollOutcome is what a steer-queue check at a safe point (step 2b) or
// during a stream read (step 2g) turned up.
type pollOutcome int

const (
	pollContinue pollOutcome = iota
	pollExitCancel
	pollExitInterrupt
	pollExitInterject
)

// pollSteerQueueAtSafePoint implements step 2b: drain the queue, applying
// SwitchAgent inline and reporting the first interrupting command found.
func (l *Loop) pollSteerQueueAtSafePoint() (pollOutcome, followupItem) {
	for _, cmd := range l.steer.popAll() {
		switch cmd.Kind {
		case SteerSwitchAgent:
			l.switchAgent(cmd.AgentName)
		case SteerCancel:
			return pollExitCancel, followupItem{}
		case SteerInterrupt:
			return pollExitInterrupt, followupItem{}
		case SteerInterject:
			return pollExitInterject, followupItem{message: cmd.Message, bypass: cmd.Bypass, kind: store.KindInterjection}
		}
	}
	return pollContinue, followupItem{}
}

// runOneMessage is the per-turn algorithm of spec §4.6 steps 1-3 for a
// single admitted {message, bypass} pair, including its internal
// step-2a-l tool-calling sub-loop. It returns whether the turn ended
// interrupted, whether that interruption was specifically a Cancel (which
// discards the follow-up queue and stops recursion), and any fatal error.
func (l *Loop) runOneMessage(ctx context.Context, item followupItem) (interrupted, isCancel bool, err error) {
	ctx, span := telemetry.StartTurn(ctx, l.sessionID, l.branchID, l.currentAgentName())
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	message, bypass := item.message, item.bypass
	turnStart := time.Now()

	kind := item.kind
	if kind == "" {
		kind = store.KindRegular
	}
	userMsg := &store.Message{
		SessionID: l.sessionID, BranchID: l.branchID,
		Role: store.RoleUser, Kind: kind,
		Parts: []store.Part{{Type: store.PartText, Text: message}},
	}
	if err := l.deps.Store.CreateMessage(userMsg); err != nil {
		return l.fail(err)
	}
	l.publish(eventbus.KindMessageReceived, map[string]any{"messageId": userMsg.ID, "role": "user"})

	// c. Resolved once per admitted message: a tool round started by this
	// same message must see its own prior round's results, which the
	// Checkpoint Service's per-checkpoint cache would not reflect if
	// re-queried — so later rounds extend history locally instead.
	built, err := l.deps.Checkpoints.BuildMessagesForTurn(l.branchID)
	if err != nil {
		return l.fail(err)
	}
	history := toProviderMessages(built.Messages)

	for {
		// a.
		l.applyPendingSteer()

		// b.
		if outcome, interjected := l.pollSteerQueueAtSafePoint(); outcome != pollContinue {
			switch outcome {
			case pollExitCancel, pollExitInterrupt:
				l.publish(eventbus.KindStreamEnded, map[string]any{"interrupted": true})
				l.finishTurn(userMsg, turnStart, true)
			case pollExitInterject:
				// Scenario D: the interjected message re-enters the same
				// turn immediately, so no TurnCompleted is published here.
				l.followups.prepend(interjected)
			}
			return true, outcome == pollExitCancel, nil
		}

		// d.
		agentName := l.currentAgentName()
		def, _ := l.deps.Agents.Get(agentName) // unknown agent: zero-value def, no addendum/restrictions
		systemPrompt := buildSystemPrompt(built.ContextPrefix, l.deps.BaseSystemPrompt, agentName, def.SystemPromptAddendum)

		// e.
		toolDefs := l.deps.Tools.Definitions(def.ToolAllowed)
		providerTools := toProviderTools(toolDefs)

		// f.
		l.publish(eventbus.KindStreamStarted, nil)

		// g.
		model := l.resolveModel(def)
		text, calls, usage, outcome, interjected, serr := l.streamTurn(ctx, model, systemPrompt, providerTools, def, history)
		if serr != nil {
			return l.fail(serr)
		}

		// h.
		if outcome != pollContinue {
			l.publish(eventbus.KindStreamEnded, map[string]any{"interrupted": true})
			if text != "" {
				partial := &store.Message{
					SessionID: l.sessionID, BranchID: l.branchID,
					Role: store.RoleAssistant, Kind: store.KindRegular,
					Parts: []store.Part{{Type: store.PartText, Text: text}},
				}
				if err := l.deps.Store.CreateMessage(partial); err != nil {
					return l.fail(err)
				}
				l.publish(eventbus.KindMessageReceived, map[string]any{"messageId": partial.ID, "role": "assistant"})
			}
			if outcome == pollExitInterject {
				// Scenario D: re-entry for the interjected message stays
				// inside this same turn, so TurnCompleted is not published.
				l.followups.prepend(interjected)
			} else {
				l.finishTurn(userMsg, turnStart, true)
			}
			return true, outcome == pollExitCancel, nil
		}

		// i.
		l.publish(eventbus.KindStreamEnded, usageFields(usage))
		parts := make([]store.Part, 0, len(calls)+1)
		if text != "" {
			parts = append(parts, store.Part{Type: store.PartText, Text: text})
		}
		for _, tc := range calls {
			parts = append(parts, store.Part{Type: store.PartToolCall, ToolCallID: tc.ID, ToolName: tc.Name, ToolInput: tc.Arguments})
		}
		assistantMsg := &store.Message{SessionID: l.sessionID, BranchID: l.branchID, Role: store.RoleAssistant, Kind: store.KindRegular, Parts: parts}
		if err := l.deps.Store.CreateMessage(assistantMsg); err != nil {
			return l.fail(err)
		}
		l.publish(eventbus.KindMessageReceived, map[string]any{"messageId": assistantMsg.ID, "role": "assistant"})
		history = append(history, provider.Message{Role: "assistant", Content: text, ToolCalls: calls})

		// j.
		if len(calls) == 0 {
			l.finishTurn(userMsg, turnStart, false)
			return false, false, nil
		}

		// k, l.
		toolMsg, results, err := l.runToolCalls(ctx, calls, agentName, bypass)
		if err != nil {
			return l.fail(err)
		}
		l.publish(eventbus.KindMessageReceived, map[string]any{"messageId": toolMsg.ID, "role": "tool"})
		for _, r := range results {
			history = append(history, provider.Message{Role: "tool", ToolCallID: r.ToolCallID, Content: string(r.Value)})
		}
		// continue from (a): another model turn follows tool results.
	}
}

func (l *Loop) runToolCalls(ctx context.Context, calls []provider.ToolCall, agentName string, bypass bool) (*store.Message, []tools.Result, error) {
	tctx := tools.Context{SessionID: l.sessionID, BranchID: l.branchID, AgentName: agentName}

	var spanMu sync.Mutex
	spans := make(map[string]trace.Span, len(calls))

	hooks := tools.BatchHooks{
		Started: func(call provider.ToolCall) {
			_, span := telemetry.StartTool(ctx, call.Name, call.ID)
			spanMu.Lock()
			spans[call.ID] = span
			spanMu.Unlock()
			l.publish(eventbus.KindToolCallStarted, map[string]any{"toolCallId": call.ID, "toolName": call.Name})
		},
		Completed: func(call provider.ToolCall, result tools.Result) {
			spanMu.Lock()
			span := spans[call.ID]
			delete(spans, call.ID)
			spanMu.Unlock()
			if span != nil {
				if result.IsError {
					telemetry.RecordError(span, fmt.Errorf("tool %s failed", result.ToolName))
				}
				span.End()
			}

			l.publish(eventbus.KindToolCallCompleted, map[string]any{
				"toolCallId": result.ToolCallID,
				"toolName":   result.ToolName,
				"isError":    result.IsError,
				"summary":    resultSummary(result.Value),
				"output":     json.RawMessage(result.Value),
			})
		},
	}

	results := l.deps.ToolRunner.RunBatch(ctx, calls, tctx, bypass, l.deps.ToolConcurrency, hooks)
	parts := make([]store.Part, len(results))
	for i, r := range results {
		parts[i] = r.Part()
	}
	toolMsg := &store.Message{SessionID: l.sessionID, BranchID: l.branchID, Role: store.RoleTool, Kind: store.KindRegular, Parts: parts}
	if err := l.deps.Store.CreateMessage(toolMsg); err != nil {
		return nil, nil, err
	}
	return toolMsg, results, nil
}

func usageFields(u *provider.Usage) map[string]any {
	if u == nil {
		return nil
	}
	return map[string]any{"inputTokens": u.InputTokens, "outputTokens": u.OutputTokens}
}

// streamTurn opens and drains one provider stream under the retry policy
// (spec §4.7), concurrently watching the steer queue (step 2g). A
// cooperative interrupt ends the attempt successfully (outcome != pollContinue,
// err == nil); only a genuine provider failure is handed to the retry loop.
func (l *Loop) streamTurn(
	ctx context.Context,
	model, systemPrompt string,
	providerTools []provider.Tool,
	def agentdef.Definition,
	history []provider.Message,
) (text string, calls []provider.ToolCall, usage *provider.Usage, outcome pollOutcome, interjected followupItem, err error) {
	prov, perr := l.deps.Providers.Create(l.deps.ProviderName, model)
	if perr != nil {
		return "", nil, nil, pollContinue, followupItem{}, perr
	}

	req := provider.Request{
		Model:           model,
		Messages:        history,
		Tools:           providerTools,
		SystemPrompt:    systemPrompt,
		Temperature:     def.Temperature,
		ReasoningEffort: def.ReasoningEffort,
	}

	attemptErr := retry.Do(ctx, l.deps.RetryPolicy, func() error {
		text, calls, usage, outcome, interjected = "", nil, nil, pollContinue, followupItem{}

		streamCtx, cancelStream := context.WithCancel(ctx)
		defer cancelStream()

		chunks, errc := prov.Stream(streamCtx, req)

		watchDone := make(chan struct{})
		go l.watchSteerDuringStream(streamCtx, cancelStream, &outcome, &interjected, watchDone)

		var streamErr error
	readLoop:
		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					break readLoop
				}
				switch chunk.Type {
				case provider.ChunkText:
					text += chunk.Text
					l.publish(eventbus.KindStreamChunk, map[string]any{"text": chunk.Text})
				case provider.ChunkToolCall:
					calls = append(calls, provider.ToolCall{ID: chunk.ToolCallID, Name: chunk.ToolCallName, Arguments: chunk.ToolCallArgs})
				case provider.ChunkReasoning:
					if req.EmitReasoning {
						l.publish(eventbus.KindStreamChunk, map[string]any{"reasoning": chunk.Reasoning})
					}
				case provider.ChunkFinish:
					usage = chunk.Usage
				}
			case e, ok := <-errc:
				if ok && e != nil {
					streamErr = e
				}
				break readLoop
			case <-streamCtx.Done():
				break readLoop
			}
		}
		cancelStream()
		<-watchDone

		if outcome != pollContinue {
			return nil
		}
		return streamErr
	})
	if attemptErr != nil {
		return "", nil, nil, pollContinue, followupItem{}, attemptErr
	}
	return text, calls, usage, outcome, interjected, nil
}

// watchSteerDuringStream implements the "concurrently watch steerQueue"
// half of step 2g: SwitchAgent defers to pendingSteer, anything
// interrupting cancels the stream and reports why.
func (l *Loop) watchSteerDuringStream(streamCtx context.Context, cancelStream context.CancelFunc, outcome *pollOutcome, interjected *followupItem, done chan<- struct{}) {
	defer close(done)
	notify := l.steer.notifyChan()
	for {
		select {
		case <-notify:
			for _, cmd := range l.steer.popAll() {
				if cmd.Kind == SteerSwitchAgent {
					l.queuePendingSteer(cmd)
					continue
				}
				switch cmd.Kind {
				case SteerCancel:
					*outcome = pollExitCancel
				case SteerInterrupt:
					*outcome = pollExitInterrupt
				case SteerInterject:
					*outcome = pollExitInterject
					*interjected = followupItem{message: cmd.Message, bypass: cmd.Bypass, kind: store.KindInterjection}
				}
				cancelStream()
				return
			}
		case <-streamCtx.Done():
			return
		}
	}
}
