package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// EchoArgs are the arguments to the Echo demo tool.
type EchoArgs struct {
	Text string `json:"text"`
}

// NewEchoTool is a minimal Parallel-class tool: it has no side effects, so
// any number of calls may run concurrently within a turn.
func NewEchoTool() Tool {
	return Tool{
		Name:        "Echo",
		Description: "Echo back the given text. Useful for exercising the tool-call path without side effects.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "Text to echo back"}
			},
			"required": ["text"]
		}`),
		Concurrency: Parallel,
		Handler: func(_ context.Context, _ Context, input json.RawMessage) (any, error) {
			var args EchoArgs
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}
			return map[string]string{"echo": args.Text}, nil
		},
	}
}
