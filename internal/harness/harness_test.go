package harness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cevr/harness/internal/agentdef"
	"github.com/cevr/harness/internal/checkpoint"
	"github.com/cevr/harness/internal/engine"
	"github.com/cevr/harness/internal/eventbus"
	"github.com/cevr/harness/internal/permission"
	"github.com/cevr/harness/internal/provider"
	"github.com/cevr/harness/internal/retry"
	"github.com/cevr/harness/internal/store"
	"github.com/cevr/harness/internal/tools"
)

type mockFactory struct {
	name string
	p    provider.Provider
}

func (f mockFactory) Name() string                          { return f.name }
func (f mockFactory) Create(model string) provider.Provider { return f.p }

// testHarness mirrors internal/engine's testDeps helper, one level up: a
// fully wired Harness backed by a scratch SQLite file and a scripted mock
// provider.
func testHarness(t *testing.T, mock *provider.Mock) *Harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus, err := eventbus.New(st.DB())
	require.NoError(t, err)

	perm, err := permission.New(st, permission.WithDefault(store.ActionAllow))
	require.NoError(t, err)

	registry, err := tools.NewRegistry()
	require.NoError(t, err)
	runner := tools.NewRunner(registry, perm)

	providers := provider.NewRegistry()
	providers.Register(mockFactory{name: "mock", p: mock})

	return New(Deps{
		Store:            st,
		Events:           bus,
		Checkpoints:      checkpoint.New(st),
		Agents:           agentdef.NewRegistry(agentdef.Definition{Name: "baseline"}),
		Tools:            registry,
		ToolRunner:       runner,
		Providers:        providers,
		Permissions:      perm,
		ProviderName:     "mock",
		DefaultModel:     "mock-model",
		CheckpointModel:  "mock-model",
		RetryPolicy:      retry.Policy{MaxAttempts: 1},
		BaseSystemPrompt: "You are a helpful assistant.",
		FollowupMax:      100,
		ToolConcurrency:  8,
		BaselineAgent:    "baseline",
	})
}

func scriptedMock(text string) *provider.Mock {
	return provider.NewMock("mock").WithScript(
		provider.Chunk{Type: provider.ChunkText, Text: text},
		provider.Chunk{Type: provider.ChunkFinish},
	)
}

func TestCreateSession_WithFirstMessageRunsAndNames(t *testing.T) {
	mock := provider.NewMock("mock").
		WithScript(provider.Chunk{Type: provider.ChunkText, Text: "hi there"}, provider.Chunk{Type: provider.ChunkFinish}).
		WithScript(provider.Chunk{Type: provider.ChunkText, Text: "Greeting Exchange"}, provider.Chunk{Type: provider.ChunkFinish})
	h := testHarness(t, mock)

	info, err := h.CreateSession(context.Background(), CreateSessionParams{FirstMessage: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, info.SessionID)
	require.NotEmpty(t, info.BranchID)

	require.Eventually(t, func() bool {
		sess, err := h.GetSession(info.SessionID)
		return err == nil && sess.Name != ""
	}, 2*time.Second, 10*time.Millisecond, "session name should be set by the background naming task")

	msgs, err := h.ListMessages(info.BranchID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestCreateSession_ExplicitNameSkipsNaming(t *testing.T) {
	h := testHarness(t, scriptedMock("ok"))

	info, err := h.CreateSession(context.Background(), CreateSessionParams{Name: "My Session", FirstMessage: "hi"})
	require.NoError(t, err)
	require.Equal(t, "My Session", info.Name)
}

func TestSendMessage_RecordsModelOverrideAndRuns(t *testing.T) {
	h := testHarness(t, scriptedMock("answer"))

	info, err := h.CreateSession(context.Background(), CreateSessionParams{})
	require.NoError(t, err)

	err = h.SendMessage(context.Background(), SendMessageParams{
		SessionID: info.SessionID, BranchID: info.BranchID, Content: "hi", Model: "pinned-model",
	})
	require.NoError(t, err)

	branch, err := h.deps.Store.GetBranch(info.BranchID)
	require.NoError(t, err)
	require.Equal(t, "pinned-model", branch.PreferredModel)

	require.Eventually(t, func() bool {
		state, err := h.GetSessionState(info.SessionID, info.BranchID)
		return err == nil && !state.IsStreaming && len(state.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetSessionState_ReportsBaselineAgentBeforeLoopExists(t *testing.T) {
	h := testHarness(t, scriptedMock("ok"))

	info, err := h.CreateSession(context.Background(), CreateSessionParams{})
	require.NoError(t, err)

	state, err := h.GetSessionState(info.SessionID, info.BranchID)
	require.NoError(t, err)
	require.Equal(t, "baseline", state.Agent)
	require.False(t, state.IsStreaming)
}

func TestForkBranch_CopiesMessagesUpToCut(t *testing.T) {
	h := testHarness(t, scriptedMock("first reply"))

	info, err := h.CreateSession(context.Background(), CreateSessionParams{})
	require.NoError(t, err)
	require.NoError(t, h.SendMessage(context.Background(), SendMessageParams{
		SessionID: info.SessionID, BranchID: info.BranchID, Content: "hi",
	}))

	var msgs []*store.Message
	require.Eventually(t, func() bool {
		msgs, err = h.ListMessages(info.BranchID)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	forked, err := h.ForkBranch(ForkBranchParams{
		SessionID: info.SessionID, FromBranchID: info.BranchID, AtMessageID: msgs[0].ID, Name: "fork",
	})
	require.NoError(t, err)

	forkedMsgs, err := h.ListMessages(forked.ID)
	require.NoError(t, err)
	require.Len(t, forkedMsgs, 1)
	require.NotEqual(t, msgs[0].ID, forkedMsgs[0].ID)
	require.Equal(t, msgs[0].Role, forkedMsgs[0].Role)
}

func TestForkBranch_UnknownMessageErrors(t *testing.T) {
	h := testHarness(t, scriptedMock("ok"))

	info, err := h.CreateSession(context.Background(), CreateSessionParams{})
	require.NoError(t, err)

	_, err = h.ForkBranch(ForkBranchParams{SessionID: info.SessionID, FromBranchID: info.BranchID, AtMessageID: "does-not-exist"})
	require.Error(t, err)
}

func TestGetBranchTree_RootsAndChildren(t *testing.T) {
	h := testHarness(t, scriptedMock("ok"))

	info, err := h.CreateSession(context.Background(), CreateSessionParams{})
	require.NoError(t, err)

	child, err := h.CreateBranch(CreateBranchParams{SessionID: info.SessionID, Name: "child"})
	require.NoError(t, err)
	_ = child

	tree, err := h.GetBranchTree(info.SessionID)
	require.NoError(t, err)
	require.Len(t, tree, 2, "root branch and child branch both lack a recognised parent, so both are roots here")
}

func TestApprovePlan_PublishesPlanConfirmed(t *testing.T) {
	h := testHarness(t, scriptedMock("ok"))

	info, err := h.CreateSession(context.Background(), CreateSessionParams{})
	require.NoError(t, err)

	require.NoError(t, h.ApprovePlan(info.SessionID, info.BranchID, "/tmp/plan.md"))

	envs, err := h.deps.Events.ListEvents(eventbus.Filter{SessionID: info.SessionID, Kinds: []eventbus.Kind{eventbus.KindPlanConfirmed}})
	require.NoError(t, err)
	require.Len(t, envs, 1)
}

func TestCompactBranch_NothingToCompactBelowKeepThreshold(t *testing.T) {
	h := testHarness(t, scriptedMock("ok"))
	h.deps.CompactionKeepLast = 4

	info, err := h.CreateSession(context.Background(), CreateSessionParams{})
	require.NoError(t, err)

	require.NoError(t, h.CompactBranch(context.Background(), info.SessionID, info.BranchID))

	envs, err := h.deps.Events.ListEvents(eventbus.Filter{SessionID: info.SessionID, Kinds: []eventbus.Kind{eventbus.KindCompactionCompleted}})
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, false, envs[0].Event.Fields["success"])
}

func TestSteer_CreatesLoopOnDemand(t *testing.T) {
	h := testHarness(t, scriptedMock("ok"))

	info, err := h.CreateSession(context.Background(), CreateSessionParams{})
	require.NoError(t, err)

	h.Steer(info.SessionID, info.BranchID, engine.SteerCommand{Kind: engine.SteerCancel})

	h.mu.Lock()
	_, ok := h.loops[loopKey(info.SessionID, info.BranchID)]
	h.mu.Unlock()
	require.True(t, ok, "Steer should construct a loop for a (session,branch) it hasn't seen yet")
}

func TestSubscribeEvents_DeliversCatchUpThenLive(t *testing.T) {
	h := testHarness(t, scriptedMock("ok"))

	info, err := h.CreateSession(context.Background(), CreateSessionParams{})
	require.NoError(t, err)
	require.NoError(t, h.ApprovePlan(info.SessionID, info.BranchID, "/tmp/plan.md"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	envs, err := h.SubscribeEvents(ctx, info.SessionID, "", 0)
	require.NoError(t, err)

	env := <-envs
	require.Equal(t, eventbus.KindPlanConfirmed, env.Event.Kind)
}
