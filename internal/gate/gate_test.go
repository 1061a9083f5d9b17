package gate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/conveyor/internal/goals"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/tools"
)

type invocation struct {
	tool tools.ToolID
	op   tools.Op
	args tools.Args
}

// fakeCaller stands in for the invoker: programmable verdicts, and
// failures wrapped the way the real boundary wraps them.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []invocation
	prID    int64
	ciQueue []tools.CIStatus
	prQueue []tools.PRStatus
	errByOp map[tools.Op]error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{prID: 7, errByOp: make(map[tools.Op]error)}
}

func (f *fakeCaller) Invoke(_ context.Context, id tools.ToolID, op tools.Op, args tools.Args) (tools.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invocation{tool: id, op: op, args: args})

	if err := f.errByOp[op]; err != nil {
		return tools.Result{}, &tools.ExternalError{Tool: id, Op: op, Kind: tools.Classify(err), Err: err}
	}
	switch op {
	case tools.OpOpenPR:
		return tools.Result{PR: f.prID}, nil
	case tools.OpCheckCIStatus:
		verdict := tools.CIPending
		if len(f.ciQueue) > 0 {
			verdict = f.ciQueue[0]
			f.ciQueue = f.ciQueue[1:]
		}
		return tools.Result{CI: verdict}, nil
	case tools.OpCheckPRStatus:
		state := tools.PROpen
		if len(f.prQueue) > 0 {
			state = f.prQueue[0]
			f.prQueue = f.prQueue[1:]
		}
		return tools.Result{PRState: state}, nil
	}
	return tools.Result{}, nil
}

func (f *fakeCaller) ops() []tools.Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tools.Op, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.op
	}
	return out
}

func (f *fakeCaller) count(op tools.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (f *fakeCaller) last(op tools.Op) (invocation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].op == op {
			return f.calls[i], true
		}
	}
	return invocation{}, false
}

type fixedSelector struct{}

func (fixedSelector) Pick(c tools.Category) (tools.ToolID, error) {
	switch c {
	case tools.CategorySourceControl:
		return tools.ToolGitGo, nil
	case tools.CategoryHosting:
		return tools.ToolGitHubAPI, nil
	case tools.CategoryCI:
		return tools.ToolGitHubChecks, nil
	}
	return "", fmt.Errorf("no tool for category %s", c)
}

func testCfg() Config {
	return Config{
		Automerge:       true,
		DebounceGreens:  2,
		CIRedMaxRetries: 2,
		PollInitial:     30 * time.Second,
		PollMax:         120 * time.Second,
		PollMultiplier:  2.0,
		BranchPrefix:    "conveyor/",
	}
}

func newTestGate(t *testing.T, caller Caller, cfg Config) (*Gate, *goals.Store) {
	t.Helper()
	store, err := goals.NewStore(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	g, err := New(caller, fixedSelector{}, store, nil, cfg, logging.NewNop())
	require.NoError(t, err)
	return g, store
}

// seedGoal creates an active goal and, when asked, fast-forwards its
// gate through the store the way an earlier run would have.
func seedGoal(t *testing.T, store *goals.Store, state goals.GateState, subtasks ...string) *goals.Goal {
	t.Helper()
	ctx := context.Background()
	g, err := store.Create(ctx, goals.CreateParams{
		Title:    "fix login flake",
		Source:   goals.SourceUser,
		Subtasks: subtasks,
	})
	require.NoError(t, err)
	g, err = store.Activate(ctx, g.ID)
	require.NoError(t, err)
	if state == goals.GateNoBranch {
		return g
	}

	u := goals.GateUpdate{State: &state, Branch: ptr("conveyor/seed-fix-login-flake")}
	if state != goals.GateBranchCreated {
		u.PR = ptr(int64(7))
	}
	g, err = store.SetGate(ctx, g.ID, u)
	require.NoError(t, err)
	return g
}

func intervalFor(t *testing.T, g *Gate, goalID string) time.Duration {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.waits[goalID]
	require.True(t, ok, "no poll state for goal %s", goalID)
	return st.interval
}

func TestCreateBranchAndPRFullFlow(t *testing.T) {
	caller := newFakeCaller()
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GateNoBranch, "write failing test", "fix race")
	ctx := context.Background()

	updated, err := g.CreateBranchAndPR(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GatePROpen, updated.Gate)
	assert.Equal(t, int64(7), updated.PRID)
	assert.Contains(t, updated.Branch, "conveyor/")
	assert.Contains(t, updated.Branch, "fix-login-flake")

	assert.Equal(t, []tools.Op{tools.OpCreateBranch, tools.OpCommitAndPush, tools.OpOpenPR}, caller.ops())

	created, ok := caller.last(tools.OpCreateBranch)
	require.True(t, ok)
	assert.Equal(t, updated.Branch, created.args.Name)
	assert.Equal(t, goal.ID, created.args.GoalID)

	opened, ok := caller.last(tools.OpOpenPR)
	require.True(t, ok)
	assert.Equal(t, "fix login flake", opened.args.Title)
	assert.Contains(t, opened.args.Body, "- [ ] write failing test")

	persisted, err := store.Get(goal.ID)
	require.NoError(t, err)
	assert.Equal(t, goals.GatePROpen, persisted.Gate)
	assert.Equal(t, updated.Branch, persisted.Branch)
	assert.Equal(t, int64(7), persisted.PRID)
}

func TestCreateBranchAndPRResumesAfterCrash(t *testing.T) {
	caller := newFakeCaller()
	g, store := newTestGate(t, caller, testCfg())
	// An earlier run persisted branch_created and died before open_pr.
	goal := seedGoal(t, store, goals.GateBranchCreated)
	ctx := context.Background()

	updated, err := g.CreateBranchAndPR(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GatePROpen, updated.Gate)
	assert.Equal(t, []tools.Op{tools.OpOpenPR}, caller.ops(),
		"recovery must open the pull request, not recreate the branch")
	assert.Equal(t, "conveyor/seed-fix-login-flake", updated.Branch)
}

func TestCreateBranchAndPRPersistsBeforePR(t *testing.T) {
	caller := newFakeCaller()
	caller.errByOp[tools.OpOpenPR] = fmt.Errorf("service unavailable")
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GateNoBranch)
	ctx := context.Background()

	_, err := g.CreateBranchAndPR(ctx, goal)
	require.Error(t, err)
	assert.True(t, tools.IsTransient(err))

	persisted, err := store.Get(goal.ID)
	require.NoError(t, err)
	assert.Equal(t, goals.GateBranchCreated, persisted.Gate)
	assert.NotEmpty(t, persisted.Branch)

	// Next attempt resumes at the pull request.
	delete(caller.errByOp, tools.OpOpenPR)
	updated, err := g.CreateBranchAndPR(ctx, persisted)
	require.NoError(t, err)
	assert.Equal(t, goals.GatePROpen, updated.Gate)
	assert.Equal(t, 1, caller.count(tools.OpCreateBranch))
	assert.Equal(t, 2, caller.count(tools.OpOpenPR))
}

func TestCreateBranchAndPRAdoptsExistingBranch(t *testing.T) {
	caller := newFakeCaller()
	caller.errByOp[tools.OpCreateBranch] = fmt.Errorf("a branch named %q already exists", "conveyor/x")
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GateNoBranch)
	ctx := context.Background()

	updated, err := g.CreateBranchAndPR(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GatePROpen, updated.Gate)
	assert.Equal(t, []tools.Op{tools.OpCreateBranch, tools.OpCommitAndPush, tools.OpOpenPR}, caller.ops())
}

func TestCreateBranchAndPRNoopWhenAlreadyOpen(t *testing.T) {
	caller := newFakeCaller()
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GatePROpen)

	updated, err := g.CreateBranchAndPR(context.Background(), goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GatePROpen, updated.Gate)
	assert.Empty(t, caller.ops())
}

func TestCreateBranchAndPRRefusesFinishedGate(t *testing.T) {
	caller := newFakeCaller()
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GateMerged)

	_, err := g.CreateBranchAndPR(context.Background(), goal)
	require.ErrorIs(t, err, ErrGateFinished)
	assert.Empty(t, caller.ops())
}

func TestBranchNameStableAndSlugged(t *testing.T) {
	g := &goals.Goal{ID: "4f9d2c81-aaaa-bbbb-cccc-121212121212", Title: "Fix: flaky login (#42)!"}
	name := branchName("conveyor/", g)
	assert.Equal(t, "conveyor/4f9d2c81-fix-flaky-login-42", name)
	assert.Equal(t, name, branchName("conveyor/", g))

	bare := &goals.Goal{ID: "4f9d2c81-aaaa", Title: "!!!"}
	assert.Equal(t, "conveyor/4f9d2c81", branchName("conveyor/", bare))
}
