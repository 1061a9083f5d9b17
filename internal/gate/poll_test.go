package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/conveyor/internal/goals"
	"github.com/quarrylabs/conveyor/internal/tools"
)

func TestPollCIDebounceMergesAfterSecondGreen(t *testing.T) {
	caller := newFakeCaller()
	caller.ciQueue = []tools.CIStatus{tools.CIPending, tools.CIPending, tools.CISuccess, tools.CISuccess}
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GatePROpen)
	ctx := context.Background()

	goal, err := g.PollCI(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GateCIPending, goal.Gate)
	assert.Zero(t, caller.count(tools.OpRequestMerge))

	goal, err = g.PollCI(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GateCIPending, goal.Gate)
	assert.Zero(t, caller.count(tools.OpRequestMerge))

	goal, err = g.PollCI(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GateCIGreen, goal.Gate)
	assert.Equal(t, 1, goal.GreenStreak)
	assert.Zero(t, caller.count(tools.OpRequestMerge), "one green must not clear a debounce of two")

	goal, err = g.PollCI(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, 2, goal.GreenStreak)
	assert.Equal(t, 1, caller.count(tools.OpRequestMerge))

	merge, ok := caller.last(tools.OpRequestMerge)
	require.True(t, ok)
	assert.Equal(t, int64(7), merge.args.PR)
}

func TestPollCIStreakSurvivesRestart(t *testing.T) {
	caller := newFakeCaller()
	caller.ciQueue = []tools.CIStatus{tools.CISuccess}
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GatePROpen)
	ctx := context.Background()

	goal, err := g.PollCI(ctx, goal)
	require.NoError(t, err)
	require.Equal(t, 1, goal.GreenStreak)

	// A new gate over the same store sees the persisted streak, so the
	// next green clears the debounce.
	caller2 := newFakeCaller()
	caller2.ciQueue = []tools.CIStatus{tools.CISuccess}
	g2, err := New(caller2, fixedSelector{}, store, nil, testCfg(), nil)
	require.NoError(t, err)

	reloaded, err := store.Get(goal.ID)
	require.NoError(t, err)
	reloaded, err = g2.PollCI(ctx, reloaded)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.GreenStreak)
	assert.Equal(t, 1, caller2.count(tools.OpRequestMerge))
}

func TestPollCIPendingBreaksStreak(t *testing.T) {
	caller := newFakeCaller()
	caller.ciQueue = []tools.CIStatus{tools.CISuccess, tools.CIPending, tools.CISuccess}
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GatePROpen)
	ctx := context.Background()

	goal, err := g.PollCI(ctx, goal)
	require.NoError(t, err)
	require.Equal(t, 1, goal.GreenStreak)

	goal, err = g.PollCI(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GateCIPending, goal.Gate)
	assert.Zero(t, goal.GreenStreak)

	goal, err = g.PollCI(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, 1, goal.GreenStreak, "a broken streak starts over")
	assert.Zero(t, caller.count(tools.OpRequestMerge))
}

func TestPollCIObserveOnlyWithoutAutomerge(t *testing.T) {
	caller := newFakeCaller()
	caller.ciQueue = []tools.CIStatus{tools.CISuccess, tools.CISuccess, tools.CISuccess}
	cfg := testCfg()
	cfg.Automerge = false
	g, store := newTestGate(t, caller, cfg)
	goal := seedGoal(t, store, goals.GatePROpen)
	ctx := context.Background()

	var err error
	for i := 0; i < 3; i++ {
		goal, err = g.PollCI(ctx, goal)
		require.NoError(t, err)
	}
	assert.Equal(t, goals.GateCIGreen, goal.Gate)
	assert.Equal(t, 3, goal.GreenStreak)
	assert.Zero(t, caller.count(tools.OpRequestMerge))
}

func TestPollCIRedBudgetBlocksGoal(t *testing.T) {
	caller := newFakeCaller()
	caller.ciQueue = []tools.CIStatus{tools.CIFailure, tools.CIFailure, tools.CIFailure}
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GatePROpen)
	ctx := context.Background()

	goal, err := g.PollCI(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GateCIRed, goal.Gate)
	assert.Equal(t, 1, goal.RedRetries)
	assert.Equal(t, goals.StatusActive, goal.Status)

	goal, err = g.PollCI(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, 2, goal.RedRetries)
	assert.Equal(t, goals.StatusActive, goal.Status)

	goal, err = g.PollCI(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.StatusBlocked, goal.Status)
	assert.Contains(t, goal.BlockedReason, "retry budget")
	assert.True(t, g.NextPoll(goal.ID).IsZero(), "blocked goals drop their poll state")
}

func TestPollCIBackoffGrowsWhilePending(t *testing.T) {
	caller := newFakeCaller()
	caller.ciQueue = []tools.CIStatus{tools.CIPending, tools.CIPending, tools.CIPending, tools.CIPending, tools.CIPending}
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GatePROpen)
	ctx := context.Background()

	var intervals []time.Duration
	var err error
	for i := 0; i < 5; i++ {
		goal, err = g.PollCI(ctx, goal)
		require.NoError(t, err)
		intervals = append(intervals, intervalFor(t, g, goal.ID))
	}

	// Strictly increasing up to the cap, constant after.
	assert.Equal(t, []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		120 * time.Second,
		120 * time.Second,
	}, intervals)
	assert.False(t, g.NextPoll(goal.ID).IsZero())
}

func TestPollCIBackoffResetsOnStateChange(t *testing.T) {
	caller := newFakeCaller()
	caller.ciQueue = []tools.CIStatus{tools.CIPending, tools.CIPending, tools.CIPending, tools.CISuccess}
	cfg := testCfg()
	cfg.Automerge = false
	g, store := newTestGate(t, caller, cfg)
	goal := seedGoal(t, store, goals.GatePROpen)
	ctx := context.Background()

	var err error
	for i := 0; i < 3; i++ {
		goal, err = g.PollCI(ctx, goal)
		require.NoError(t, err)
	}
	require.Equal(t, 120*time.Second, intervalFor(t, g, goal.ID))

	goal, err = g.PollCI(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GateCIGreen, goal.Gate)
	assert.Equal(t, 30*time.Second, intervalFor(t, g, goal.ID))
}

func TestPollCIErrorKeepsPacing(t *testing.T) {
	caller := newFakeCaller()
	caller.errByOp[tools.OpCheckCIStatus] = context.DeadlineExceeded
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GatePROpen)

	_, err := g.PollCI(context.Background(), goal)
	require.Error(t, err)
	assert.True(t, tools.IsTransient(err))

	persisted, err := store.Get(goal.ID)
	require.NoError(t, err)
	assert.Equal(t, goals.GatePROpen, persisted.Gate, "an errored poll changes nothing")
	assert.False(t, g.NextPoll(goal.ID).IsZero())
}

func TestPollMergeDetectsExternalMergeAndCompletes(t *testing.T) {
	caller := newFakeCaller()
	caller.prQueue = []tools.PRStatus{tools.PRMerged}
	cfg := testCfg()
	cfg.Automerge = false
	g, store := newTestGate(t, caller, cfg)
	goal := seedGoal(t, store, goals.GateCIGreen, "apply fix")
	ctx := context.Background()

	// Resolve the only subtask so completion is legal.
	_, err := store.AdvanceSubtask(ctx, goal.ID)
	require.NoError(t, err)
	goal, err = store.AdvanceSubtask(ctx, goal.ID)
	require.NoError(t, err)

	done, err := g.PollMerge(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GateMerged, done.Gate)
	assert.Equal(t, goals.StatusCompleted, done.Status)
	assert.True(t, g.NextPoll(done.ID).IsZero())
}

func TestPollMergeLeavesUnresolvedSubtasks(t *testing.T) {
	caller := newFakeCaller()
	caller.prQueue = []tools.PRStatus{tools.PRMerged}
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GateCIGreen, "apply fix", "update docs")
	ctx := context.Background()

	updated, err := g.PollMerge(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GateMerged, updated.Gate)
	assert.Equal(t, goals.StatusActive, updated.Status,
		"completion waits for the orchestrator to resolve the remaining subtasks")
}

func TestPollMergeClosedBlocksGoal(t *testing.T) {
	caller := newFakeCaller()
	caller.prQueue = []tools.PRStatus{tools.PRClosed}
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GateCIGreen)

	updated, err := g.PollMerge(context.Background(), goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GateClosed, updated.Gate)
	assert.Equal(t, goals.StatusBlocked, updated.Status)
	assert.Contains(t, updated.BlockedReason, "closed without merging")
}

func TestPollMergeRearmsMergeAfterRestart(t *testing.T) {
	caller := newFakeCaller()
	g, store := newTestGate(t, caller, testCfg())
	goal := seedGoal(t, store, goals.GateCIGreen)
	ctx := context.Background()

	// The previous run persisted a cleared debounce, then died before
	// the merge request went out.
	streak := testCfg().DebounceGreens
	goal, err := store.SetGate(ctx, goal.ID, goals.GateUpdate{GreenStreak: &streak})
	require.NoError(t, err)

	updated, err := g.PollMerge(ctx, goal)
	require.NoError(t, err)
	assert.Equal(t, goals.GateCIGreen, updated.Gate)
	assert.Equal(t, 1, caller.count(tools.OpRequestMerge))
}

func TestPollRequiresOpenPullRequest(t *testing.T) {
	caller := newFakeCaller()
	g, store := newTestGate(t, caller, testCfg())
	ctx := context.Background()

	fresh := seedGoal(t, store, goals.GateNoBranch)
	_, err := g.PollCI(ctx, fresh)
	require.ErrorIs(t, err, ErrNoPullRequest)

	finished := seedGoal(t, store, goals.GateMerged)
	_, err = g.PollMerge(ctx, finished)
	require.ErrorIs(t, err, ErrGateFinished)
	assert.Empty(t, caller.ops())
}
