package store

import (
	"encoding/json"
	"time"
)

// Session is the spec §3 Session.
type Session struct {
	ID              string
	Name            string
	Cwd             string
	Bypass          bool
	ParentSessionID string // set for sub-agent sessions
	ParentBranchID  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Branch is the spec §3 Branch.
type Branch struct {
	ID              string
	SessionID       string
	ParentBranchID  string
	ParentMessageID string
	Name            string
	Summary         string
	PreferredModel  string
	CreatedAt       time.Time
}

// Role enumerates message roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Kind distinguishes a regular user message from an interjection.
type Kind string

const (
	KindRegular      Kind = "regular"
	KindInterjection Kind = "interjection"
)

// PartType enumerates the ordered message-part union of spec §3.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one element of a Message's ordered parts list.
type Part struct {
	Type PartType `json:"type"`

	// PartText
	Text string `json:"text,omitempty"`

	// PartImage
	ImageURL string `json:"imageUrl,omitempty"`

	// PartToolCall (assistant messages)
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`

	// PartToolResult (tool messages)
	ToolOutputType  string          `json:"toolOutputType,omitempty"` // "json" | "error-json"
	ToolOutputValue json.RawMessage `json:"toolOutputValue,omitempty"`
}

// Message is the spec §3 Message.
type Message struct {
	ID             string
	SessionID      string
	BranchID       string
	Role           Role
	Kind           Kind
	Parts          []Part
	CreatedAt      time.Time
	TurnDurationMs *int64
}

// CheckpointKind distinguishes the two checkpoint variants of spec §3.
type CheckpointKind string

const (
	CheckpointPlan       CheckpointKind = "plan"
	CheckpointCompaction CheckpointKind = "compaction"
)

// Checkpoint is the spec §3 Checkpoint.
type Checkpoint struct {
	ID                string
	BranchID          string
	Kind              CheckpointKind
	PlanPath          string // CheckpointPlan
	Summary           string // CheckpointCompaction
	FirstKeptMessageID string // CheckpointCompaction
	CreatedAt         time.Time
}

// PermissionAction is the decision space of spec §4.4.
type PermissionAction string

const (
	ActionAllow PermissionAction = "allow"
	ActionDeny  PermissionAction = "deny"
	ActionAsk   PermissionAction = "ask"
)

// PermissionRule is the spec §3 Permission Rule, as persisted.
type PermissionRule struct {
	ID       int64
	Tool     string
	Pattern  string // empty matches any argument JSON
	Action   PermissionAction
	Inserted time.Time
}
