// Command harnessd is the CLI entry point for the harness daemon: it wires
// every collaborator described in internal/harness.Deps and exposes spec
// §6's external operations as cobra subcommands, grounded on the teacher's
// cmd/symb/main.go (config load, registry construction, file-backed zerolog
// logging) generalized from a single bubbletea program into a multi-command
// CLI.
package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cevr/harness/internal/agentdef"
	"github.com/cevr/harness/internal/checkpoint"
	"github.com/cevr/harness/internal/config"
	"github.com/cevr/harness/internal/engine"
	"github.com/cevr/harness/internal/eventbus"
	"github.com/cevr/harness/internal/harness"
	"github.com/cevr/harness/internal/permission"
	"github.com/cevr/harness/internal/provider"
	"github.com/cevr/harness/internal/retry"
	"github.com/cevr/harness/internal/store"
	"github.com/cevr/harness/internal/subagent"
	"github.com/cevr/harness/internal/tools"
)

var (
	version = "dev"

	configPath string
	h          *harness.Harness
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "harnessd",
		Short:        "Run and drive a conversational agent harness",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			built, err := buildHarness(configPath)
			if err != nil {
				return err
			}
			h = built
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "harness.toml", "path to harness.toml")

	root.AddCommand(
		sessionCmd(),
		branchCmd(),
		sendCmd(),
		stateCmd(),
		steerCmd(),
		approvePlanCmd(),
		compactCmd(),
		subscribeCmd(),
	)
	return root
}

// buildHarness runs the full construction sequence cmd/harnessd owns:
// config, storage, event bus, checkpoint/agent/tool/permission wiring, the
// demo provider, the Sub-Agent Actor, and finally the façade itself.
func buildHarness(path string) (*harness.Harness, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Storage.DBPathOrDefault())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	events, err := buildEventBus(cfg, st.DB())
	if err != nil {
		return nil, fmt.Errorf("open event bus: %w", err)
	}

	checkpoints := checkpoint.New(st)

	agents := agentdef.NewRegistry(
		agentdef.Definition{Name: "baseline", SystemPromptAddendum: cfg.Harness.BaseSystemPrompt},
		agentdef.Definition{Name: "researcher", SystemPromptAddendum: "You investigate and report findings; you do not modify files.", DeniedTools: []string{"Shell"}},
	)

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	registry, err := tools.NewRegistry(tools.NewEchoTool(), tools.NewShellTool(cwd))
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	perms, err := permission.New(st, permission.WithDefault(store.ActionAsk))
	if err != nil {
		return nil, fmt.Errorf("build permission engine: %w", err)
	}
	runner := tools.NewRunner(registry, perms)

	providers := provider.NewRegistry()
	providers.Register(newStubFactory("stub"))

	retryPolicy := retry.Policy{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		InitialDelay:  cfg.Retry.InitialDelay(),
		BackoffFactor: cfg.Retry.BackoffFactor,
		MaxDelay:      cfg.Retry.MaxDelay(),
		MaxRetryAfter: cfg.Retry.MaxRetryAfter(),
	}

	deps := harness.Deps{
		Store:            st,
		Events:           events,
		Checkpoints:      checkpoints,
		Agents:           agents,
		Tools:            registry,
		ToolRunner:       runner,
		Providers:        providers,
		Permissions:      perms,
		ProviderName:     "stub",
		DefaultModel:     "stub-1",
		CheckpointModel:  cfg.Harness.CheckpointModel,
		RetryPolicy:      retryPolicy,
		BaseSystemPrompt: cfg.Harness.BaseSystemPrompt,
		FollowupMax:      cfg.Harness.FollowupMaxOrDefault(),
		ToolConcurrency:  cfg.Harness.ToolConcurrencyOrDefault(),
		BaselineAgent:    "baseline",
	}

	adapter := engine.NewSubagentRunnerAdapter(deps.EngineDeps())
	subagentPolicy := retry.Policy{
		MaxAttempts:   cfg.Subagent.MaxAttempts,
		InitialDelay:  time.Duration(cfg.Subagent.InitialDelayMs) * time.Millisecond,
		BackoffFactor: retryPolicy.BackoffFactor,
		MaxDelay:      time.Duration(cfg.Subagent.MaxDelayMs) * time.Millisecond,
	}
	actor := subagent.New(st, events, adapter, subagentPolicy)
	deps.Subagents = actor

	subAgentTool := harness.NewSubAgentTool(actor, cfg.Subagent.Timeout(), func(sessionID string) string {
		sess, err := st.GetSession(sessionID)
		if err != nil {
			return cwd
		}
		return sess.Cwd
	})
	if err := registry.Register(subAgentTool); err != nil {
		return nil, fmt.Errorf("register SubAgent tool: %w", err)
	}

	return harness.New(deps), nil
}

func buildEventBus(cfg *config.Config, db *sql.DB) (*eventbus.Bus, error) {
	if cfg.Redis.Addr == "" {
		return eventbus.New(db)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return eventbus.NewWithRedis(db, client)
}

// stubFactory produces a fresh provider.Mock per Create call, scripted to
// return one canned reply, rate-limited the same way a real upstream
// factory would be. No concrete wire-protocol provider ships with this
// repo (see DESIGN.md); this is the smoke-test default that exercises the
// full streaming/tool-loop path end to end without external network access.
type stubFactory struct{ name string }

func newStubFactory(name string) stubFactory { return stubFactory{name: name} }

func (f stubFactory) Name() string { return f.name }

func (f stubFactory) Create(model string) provider.Provider {
	mock := provider.NewMock(f.name).WithScript(
		provider.Chunk{Type: provider.ChunkText, Text: "This is a stub response; wire a real provider.Factory to talk to an actual model."},
		provider.Chunk{Type: provider.ChunkFinish, FinishReason: "stop"},
	)
	return provider.NewThrottled(mock, 5, 2)
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage sessions"}

	var name, cwd, firstMessage string
	var bypass bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a session and its root branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := h.CreateSession(cmd.Context(), harness.CreateSessionParams{
				Name: name, Cwd: cwd, FirstMessage: firstMessage, Bypass: bypass,
			})
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
	create.Flags().StringVar(&name, "name", "", "session name")
	create.Flags().StringVar(&cwd, "cwd", "", "working directory")
	create.Flags().StringVar(&firstMessage, "message", "", "first message to send immediately")
	create.Flags().BoolVar(&bypass, "bypass", false, "bypass permission checks")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := h.ListSessions()
			if err != nil {
				return err
			}
			return printJSON(sessions)
		},
	}

	get := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Get a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := h.GetSession(args[0])
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	}

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.DeleteSession(args[0])
		},
	}

	var bypassValue bool
	setBypass := &cobra.Command{
		Use:   "set-bypass <session-id>",
		Short: "Toggle permission bypass for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.UpdateSessionBypass(args[0], bypassValue)
		},
	}
	setBypass.Flags().BoolVar(&bypassValue, "bypass", true, "bypass value")

	cmd.AddCommand(create, list, get, del, setBypass)
	return cmd
}

func branchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "branch", Short: "Manage branches"}

	var sessionID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := h.CreateBranch(harness.CreateBranchParams{SessionID: sessionID, Name: name})
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}
	create.Flags().StringVar(&sessionID, "session", "", "session id")
	create.Flags().StringVar(&name, "name", "", "branch name")

	var fromBranch, atMessage string
	fork := &cobra.Command{
		Use:   "fork",
		Short: "Fork a branch at a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := h.ForkBranch(harness.ForkBranchParams{
				SessionID: sessionID, FromBranchID: fromBranch, AtMessageID: atMessage, Name: name,
			})
			if err != nil {
				return err
			}
			return printJSON(b)
		},
	}
	fork.Flags().StringVar(&sessionID, "session", "", "session id")
	fork.Flags().StringVar(&fromBranch, "from", "", "source branch id")
	fork.Flags().StringVar(&atMessage, "at", "", "message id to cut at")
	fork.Flags().StringVar(&name, "name", "", "new branch name")

	var from, to string
	var summarize bool
	var summarizeSet bool
	switchCmd := &cobra.Command{
		Use:   "switch",
		Short: "Switch the active branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sp *bool
			if summarizeSet {
				sp = &summarize
			}
			return h.SwitchBranch(cmd.Context(), harness.SwitchBranchParams{
				SessionID: sessionID, From: from, To: to, Summarize: sp,
			})
		},
	}
	switchCmd.Flags().StringVar(&sessionID, "session", "", "session id")
	switchCmd.Flags().StringVar(&from, "from", "", "branch switching from")
	switchCmd.Flags().StringVar(&to, "to", "", "branch switching to")
	switchCmd.Flags().BoolVar(&summarize, "summarize", true, "summarize the outgoing branch before switching")
	switchCmd.Flags().Func("no-summarize", "disable summarization", func(string) error {
		summarize, summarizeSet = false, true
		return nil
	})

	tree := &cobra.Command{
		Use:   "tree",
		Short: "Print a session's branch tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := h.GetBranchTree(sessionID)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	tree.Flags().StringVar(&sessionID, "session", "", "session id")

	cmd.AddCommand(create, fork, switchCmd, tree)
	return cmd
}

func sendCmd() *cobra.Command {
	var sessionID, branchID, model string
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message on a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.SendMessage(cmd.Context(), harness.SendMessageParams{
				SessionID: sessionID, BranchID: branchID, Content: args[0], Model: model,
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&branchID, "branch", "", "branch id")
	cmd.Flags().StringVar(&model, "model", "", "model override for this branch")
	return cmd
}

func stateCmd() *cobra.Command {
	var sessionID, branchID string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print a branch's messages and streaming state",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := h.GetSessionState(sessionID, branchID)
			if err != nil {
				return err
			}
			return printJSON(state)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&branchID, "branch", "", "branch id")
	return cmd
}

func steerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "steer", Short: "Send a steering command to a running or idle loop"}

	var sessionID, branchID string
	cancel := &cobra.Command{
		Use:  "cancel",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h.Steer(sessionID, branchID, engine.SteerCommand{Kind: engine.SteerCancel})
			return nil
		},
	}
	interrupt := &cobra.Command{
		Use:  "interrupt",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h.Steer(sessionID, branchID, engine.SteerCommand{Kind: engine.SteerInterrupt})
			return nil
		},
	}

	var bypass bool
	interject := &cobra.Command{
		Use:  "interject <message>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h.Steer(sessionID, branchID, engine.SteerCommand{Kind: engine.SteerInterject, Message: args[0], Bypass: bypass})
			return nil
		},
	}
	interject.Flags().BoolVar(&bypass, "bypass", false, "bypass permission checks for the interjection")

	switchAgent := &cobra.Command{
		Use:  "switch-agent <agent-name>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h.Steer(sessionID, branchID, engine.SteerCommand{Kind: engine.SteerSwitchAgent, AgentName: args[0]})
			return nil
		},
	}

	for _, sub := range []*cobra.Command{cancel, interrupt, interject, switchAgent} {
		sub.Flags().StringVar(&sessionID, "session", "", "session id")
		sub.Flags().StringVar(&branchID, "branch", "", "branch id")
	}
	cmd.AddCommand(cancel, interrupt, interject, switchAgent)
	return cmd
}

func approvePlanCmd() *cobra.Command {
	var sessionID, branchID, planPath string
	cmd := &cobra.Command{
		Use:   "approve-plan",
		Short: "Approve a plan checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.ApprovePlan(sessionID, branchID, planPath)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&branchID, "branch", "", "branch id")
	cmd.Flags().StringVar(&planPath, "plan", "", "path to the plan")
	return cmd
}

func compactCmd() *cobra.Command {
	var sessionID, branchID string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Compact a branch's message history into a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.CompactBranch(cmd.Context(), sessionID, branchID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&branchID, "branch", "", "branch id")
	return cmd
}

func subscribeCmd() *cobra.Command {
	var sessionID, branchID string
	var afterID int64
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Stream events for a session, printing one JSON envelope per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			envs, err := h.SubscribeEvents(ctx, sessionID, branchID, afterID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for env := range envs {
				if err := enc.Encode(env); err != nil {
					return err
				}
			}
			return ctx.Err()
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&branchID, "branch", "", "branch id (empty: session broadcasts and all branches)")
	cmd.Flags().Int64Var(&afterID, "after", 0, "only events after this event id")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
