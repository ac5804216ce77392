package engine

import (
	"encoding/json"
	"strings"

	"github.com/cevr/harness/internal/provider"
	"github.com/cevr/harness/internal/store"
	"github.com/cevr/harness/internal/tools"
)

// toProviderMessages renders stored messages into the provider wire shape.
// Image parts are not forwarded — no provider implementation in this stack
// accepts multimodal content on Message, only on richer request types this
// harness does not build.
func toProviderMessages(msgs []*store.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case store.RoleUser, store.RoleSystem:
			out = append(out, provider.Message{Role: string(m.Role), Content: joinText(m.Parts)})

		case store.RoleAssistant:
			var text strings.Builder
			var calls []provider.ToolCall
			for _, p := range m.Parts {
				switch p.Type {
				case store.PartText:
					text.WriteString(p.Text)
				case store.PartToolCall:
					calls = append(calls, provider.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: p.ToolInput})
				}
			}
			out = append(out, provider.Message{Role: "assistant", Content: text.String(), ToolCalls: calls})

		case store.RoleTool:
			for _, p := range m.Parts {
				if p.Type == store.PartToolResult {
					out = append(out, provider.Message{Role: "tool", ToolCallID: p.ToolCallID, Content: string(p.ToolOutputValue)})
				}
			}
		}
	}
	return out
}

func joinText(parts []store.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == store.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func toProviderTools(defs []tools.Tool) []provider.Tool {
	out := make([]provider.Tool, 0, len(defs))
	for _, t := range defs {
		out = append(out, provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return out
}

// buildSystemPrompt implements spec §4.6 step d's template.
func buildSystemPrompt(contextPrefix, basePrompt string, agentName, addendum string) string {
	var b strings.Builder
	b.WriteString(contextPrefix)
	b.WriteString(basePrompt)
	if addendum != "" {
		b.WriteString("\n\n## Agent: ")
		b.WriteString(agentName)
		b.WriteString("\n")
		b.WriteString(addendum)
	}
	return b.String()
}

// resultSummary is the ToolCallCompleted "summary" field of spec §4.6 step
// k: the result's first line, truncated to 100 characters.
func resultSummary(value json.RawMessage) string {
	s := string(value)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
