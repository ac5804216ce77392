// Package eventbus implements the Event Store of spec §4.2: a durable,
// monotonically-numbered append log with catch-up-then-live subscription
// semantics. The durable log lives in SQLite (sharing the connection opened
// by internal/store); live fan-out to already-subscribed readers stays
// in-process (New) or goes over Redis Pub/Sub (NewWithRedis), the way
// goadesign-goa-ai wires go-redis into its session/event distribution
// layer. Storage failures never corrupt the live stream: an envelope is
// fanned out live only after its SQLite append commits.
package eventbus

import (
	"encoding/json"
	"time"
)

// Kind discriminates the event union of spec §3.
type Kind string

const (
	KindMessageReceived     Kind = "MessageReceived"
	KindStreamStarted       Kind = "StreamStarted"
	KindStreamChunk         Kind = "StreamChunk"
	KindStreamEnded         Kind = "StreamEnded"
	KindToolCallStarted     Kind = "ToolCallStarted"
	KindToolCallCompleted   Kind = "ToolCallCompleted"
	KindTurnCompleted       Kind = "TurnCompleted"
	KindErrorOccurred       Kind = "ErrorOccurred"
	KindAgentSwitched       Kind = "AgentSwitched"
	KindSubagentSpawned     Kind = "SubagentSpawned"
	KindSubagentCompleted   Kind = "SubagentCompleted"
	KindPlanConfirmed       Kind = "PlanConfirmed"
	KindCompactionStarted   Kind = "CompactionStarted"
	KindCompactionCompleted Kind = "CompactionCompleted"
	KindBranchSwitched      Kind = "BranchSwitched"
)

// Event is the payload half of an Envelope. BranchID is empty for
// session-broadcast events (spec §4.2.2: "Events with no branch-id match
// any branch filter").
type Event struct {
	Kind      Kind
	SessionID string
	BranchID  string
	Fields    map[string]any
}

// Envelope is the durable, monotonically-numbered record of spec §3.
type Envelope struct {
	ID        int64
	CreatedAt time.Time
	Event     Event
}

// wireEnvelope is the JSON shape on the wire (spec §6): every event carries
// a "_tag" discriminator alongside its fields.
type wireEnvelope struct {
	ID        int64          `json:"id"`
	CreatedAt string         `json:"createdAt"`
	Event     map[string]any `json:"event"`
}

// MarshalJSON renders the client-facing shape of spec §6.
func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(e.Event.Fields)+3)
	for k, v := range e.Event.Fields {
		fields[k] = v
	}
	fields["_tag"] = string(e.Event.Kind)
	fields["sessionId"] = e.Event.SessionID
	if e.Event.BranchID != "" {
		fields["branchId"] = e.Event.BranchID
	}
	return json.Marshal(wireEnvelope{
		ID:        e.ID,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		Event:     fields,
	})
}

// Filter selects events for listing or subscription.
type Filter struct {
	SessionID string
	BranchID  string // empty: match session broadcasts and all branches
	AfterID   int64
	Kinds     []Kind // empty: match any kind
}

func (f Filter) matches(e Event) bool {
	if e.SessionID != f.SessionID {
		return false
	}
	if f.BranchID != "" && e.BranchID != "" && e.BranchID != f.BranchID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
