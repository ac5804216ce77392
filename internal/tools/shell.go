package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ShellArgs are the arguments to the Shell demo tool.
type ShellArgs struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"` // seconds, default defaultShellTimeoutSec
}

const (
	defaultShellTimeoutSec = 60
	maxShellTimeoutSec     = 600
	maxShellOutputChars    = 30000
)

// shellSession is an in-process POSIX interpreter with cwd/env that persist
// across calls within one tool instance, the way a real terminal would.
// Grounded on the teacher's internal/shell.Shell, adapted here to the
// harness's single-output-string contract (no streaming callback, no
// filesystem-delta tracking for undo — neither concept exists in this
// domain). It is rooted at the directory given to NewShellTool, not at a
// harness session's working directory: cmd/harnessd passes the process's
// working directory, and one instance is shared by every session.
type shellSession struct {
	mu   sync.Mutex
	root string
	cwd  string
	env  []string
}

func newShellSession(root string) *shellSession {
	if root == "" {
		root, _ = os.Getwd()
	}
	return &shellSession{root: root, cwd: root, env: os.Environ()}
}

func (s *shellSession) run(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parsed, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return "", fmt.Errorf("parse command: %w", err)
	}

	var out bytes.Buffer
	runner, err := interp.New(
		interp.StdIO(nil, &out, &out),
		interp.Interactive(false),
		interp.Env(expand.ListEnviron(s.env...)),
		interp.Dir(s.cwd),
	)
	if err != nil {
		return "", fmt.Errorf("create interpreter: %w", err)
	}

	runErr := runner.Run(ctx, parsed)
	s.updateFrom(runner)

	exitCode := exitCode(runErr)
	output := out.String()
	if ctx.Err() != nil {
		output += "[timed out]\n"
	}
	if exitCode != 0 {
		fmt.Fprintf(&out, "[exit code: %d]\n", exitCode)
		output = out.String()
	}
	if output == "" {
		output = "(no output)\n"
	}
	if len([]rune(output)) > maxShellOutputChars {
		output = truncateMiddle(output, maxShellOutputChars)
	}
	return output, nil
}

func (s *shellSession) updateFrom(runner *interp.Runner) {
	dir := runner.Dir
	if dir != s.root && !strings.HasPrefix(dir, s.root+string(os.PathSeparator)) {
		dir = s.root
	}
	s.cwd = dir

	s.env = s.env[:0]
	runner.Env.Each(func(name string, vr expand.Variable) bool {
		if vr.Exported {
			s.env = append(s.env, name+"="+vr.Str)
		}
		return true
	})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return int(status)
	}
	return 1
}

func truncateMiddle(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	half := maxChars / 2
	return string(runes[:half]) + "\n\n... [truncated] ...\n\n" + string(runes[len(runes)-half:])
}

// NewShellTool builds the Shell tool rooted at cwd. It is a Serial-class
// tool: the harness's concurrency rule (spec §4.4) ensures at most one
// Shell call runs at a time even if the model requests several in one
// turn, since a persistent shell session has no safe concurrent-exec story.
func NewShellTool(cwd string) Tool {
	session := newShellSession(cwd)
	return Tool{
		Name: "Shell",
		Description: "Execute a shell command in an in-process POSIX interpreter. " +
			"Working directory and exported environment variables persist across calls.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The shell command to execute"},
				"timeout": {"type": "integer", "description": "Timeout in seconds (default 60, max 600)"}
			},
			"required": ["command"]
		}`),
		Concurrency: Serial,
		Handler: func(ctx context.Context, _ Context, input json.RawMessage) (any, error) {
			var args ShellArgs
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}
			if args.Command == "" {
				return nil, fmt.Errorf("command is required")
			}

			timeout := defaultShellTimeoutSec
			if args.Timeout > 0 {
				timeout = args.Timeout
			}
			if timeout > maxShellTimeoutSec {
				timeout = maxShellTimeoutSec
			}

			execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
			defer cancel()

			output, err := session.run(execCtx, args.Command)
			if err != nil {
				return nil, err
			}
			return map[string]string{"output": output}, nil
		},
	}
}
