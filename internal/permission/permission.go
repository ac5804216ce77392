// Package permission is the Permission Engine of spec §4.4: evaluate a tool
// call against an ordered rule set and decide allow/deny/ask, with a
// configurable default when nothing matches. Grounded on the teacher's
// internal/store permission_rules table and its first-match-wins evaluation
// idiom from mcp/proxy.go's header-allowlist check.
package permission

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/cevr/harness/internal/store"
)

// Handler is the external "ask" callback of spec §4.4.3: may block
// arbitrarily long, and cancellation must propagate. A Handler that returns
// an error is treated as deny.
type Handler interface {
	Request(ctx context.Context, toolName string, input []byte) (store.PermissionAction, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, toolName string, input []byte) (store.PermissionAction, error)

func (f HandlerFunc) Request(ctx context.Context, toolName string, input []byte) (store.PermissionAction, error) {
	return f(ctx, toolName, input)
}

// DenyHandler always denies; useful as a safe default when no interactive
// handler is wired (e.g. headless automation).
var DenyHandler Handler = HandlerFunc(func(context.Context, string, []byte) (store.PermissionAction, error) {
	return store.ActionDeny, nil
})

// Engine evaluates rules in insertion order and consults a Handler on `ask`.
// Safe for concurrent use.
type Engine struct {
	st      *store.Store
	handler Handler
	deflt   store.PermissionAction

	mu    sync.RWMutex
	rules []*store.PermissionRule
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithHandler installs the external "ask" callback. Without one, Engine
// treats `ask` as deny.
func WithHandler(h Handler) Option {
	return func(e *Engine) { e.handler = h }
}

// WithDefault overrides the decision used when no rule matches. Spec §3
// says to ship with "ask".
func WithDefault(action store.PermissionAction) Option {
	return func(e *Engine) { e.deflt = action }
}

// New loads the persisted rule set and returns a ready Engine.
func New(st *store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{st: st, handler: DenyHandler, deflt: store.ActionAsk}
	for _, opt := range opts {
		opt(e)
	}

	rules, err := st.ListPermissionRules()
	if err != nil {
		return nil, fmt.Errorf("permission: load rules: %w", err)
	}
	e.rules = rules
	return e, nil
}

// Check evaluates toolName/input against the rule set, invoking the Handler
// if the first matching rule (or the default) says `ask`.
func (e *Engine) Check(ctx context.Context, toolName string, input []byte) (store.PermissionAction, error) {
	decision := e.evaluate(toolName, input)
	if decision != store.ActionAsk {
		return decision, nil
	}

	got, err := e.handler.Request(ctx, toolName, input)
	if err != nil {
		return store.ActionDeny, nil
	}
	return got, nil
}

// evaluate returns the first-rule-wins decision, or the configured default.
func (e *Engine) evaluate(toolName string, input []byte) store.PermissionAction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if r.Tool != toolName {
			continue
		}
		if matchesPattern(r.Pattern, input) {
			return r.Action
		}
	}
	return e.deflt
}

// matchesPattern treats an empty pattern as "matches any argument JSON", and
// a non-empty pattern as a regular expression evaluated against the raw
// input bytes. This mirrors the teacher's use of simple substring/regex
// matching for request-shape rules rather than a bespoke DSL.
func matchesPattern(pattern string, input []byte) bool {
	if pattern == "" {
		return true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.Match(input)
}

// AddRule persists a new rule and appends it to the in-memory evaluation
// order.
func (e *Engine) AddRule(tool, pattern string, action store.PermissionAction) (*store.PermissionRule, error) {
	rule, err := e.st.AddPermissionRule(tool, pattern, action)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.rules = append(e.rules, rule)
	e.mu.Unlock()
	return rule, nil
}

// RemoveRule deletes rules matching tool (and pattern, if given) and
// refreshes the in-memory evaluation order from storage.
func (e *Engine) RemoveRule(tool, pattern string) error {
	if err := e.st.RemovePermissionRule(tool, pattern); err != nil {
		return err
	}

	rules, err := e.st.ListPermissionRules()
	if err != nil {
		return fmt.Errorf("permission: reload rules: %w", err)
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// Rules returns a snapshot of the current evaluation order.
func (e *Engine) Rules() []*store.PermissionRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*store.PermissionRule, len(e.rules))
	copy(out, e.rules)
	return out
}
