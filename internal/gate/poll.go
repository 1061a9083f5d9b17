package gate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/goals"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// PollCI reads the CI verdict for a goal's branch and folds it into
// the gate state. Green extends the persisted streak and, with
// automerge on, requests the merge once the streak clears the
// debounce. Red consumes the retry budget and blocks the goal when the
// budget is exhausted. Pending keeps or enters ci_pending.
func (g *Gate) PollCI(ctx context.Context, goal *goals.Goal) (*goals.Goal, error) {
	if err := pollable(goal); err != nil {
		return nil, err
	}
	tool, err := g.selector.Pick(tools.CategoryCI)
	if err != nil {
		return nil, err
	}

	res, err := g.caller.Invoke(ctx, tool, tools.OpCheckCIStatus, tools.Args{
		GoalID: goal.ID,
		Ref:    goal.Branch,
	})
	if err != nil {
		g.rearm(goal.ID)
		return nil, err
	}
	PollsTotal.WithLabelValues("ci", string(res.CI)).Inc()

	switch res.CI {
	case tools.CIPending:
		return g.onPending(ctx, goal)
	case tools.CISuccess:
		return g.onGreen(ctx, goal)
	case tools.CIFailure:
		return g.onRed(ctx, goal)
	}
	return nil, fmt.Errorf("unknown ci verdict %q for goal %s", res.CI, goal.ID)
}

func (g *Gate) onPending(ctx context.Context, goal *goals.Goal) (*goals.Goal, error) {
	if goal.Gate == goals.GateCIPending && goal.GreenStreak == 0 {
		// Nothing moved. Pure read, no write, longer wait.
		g.schedule(goal.ID, false)
		return goal, nil
	}
	updated, err := g.store.SetGate(ctx, goal.ID, goals.GateUpdate{
		State:       ptr(goals.GateCIPending),
		GreenStreak: ptr(0),
	})
	if err != nil {
		return nil, err
	}
	if goal.Gate != updated.Gate {
		g.publishGate(ctx, updated, goal.Gate)
	}
	g.schedule(updated.ID, goal.Gate != updated.Gate)
	return updated, nil
}

func (g *Gate) onGreen(ctx context.Context, goal *goals.Goal) (*goals.Goal, error) {
	streak := goal.GreenStreak + 1
	updated, err := g.store.SetGate(ctx, goal.ID, goals.GateUpdate{
		State:       ptr(goals.GateCIGreen),
		GreenStreak: &streak,
	})
	if err != nil {
		return nil, err
	}
	if goal.Gate != updated.Gate {
		g.publishGate(ctx, updated, goal.Gate)
	}
	g.schedule(updated.ID, goal.Gate != updated.Gate)

	if err := g.maybeRequestMerge(ctx, updated); err != nil {
		return updated, err
	}
	return updated, nil
}

func (g *Gate) onRed(ctx context.Context, goal *goals.Goal) (*goals.Goal, error) {
	retries := goal.RedRetries + 1
	updated, err := g.store.SetGate(ctx, goal.ID, goals.GateUpdate{
		State:       ptr(goals.GateCIRed),
		RedRetries:  &retries,
		GreenStreak: ptr(0),
	})
	if err != nil {
		return nil, err
	}
	if goal.Gate != updated.Gate {
		g.publishGate(ctx, updated, goal.Gate)
	}
	g.schedule(updated.ID, goal.Gate != updated.Gate)

	if retries <= g.cfg.CIRedMaxRetries {
		g.logger.Warn(ctx, "ci red",
			zap.String("goal_id", updated.ID),
			zap.Int("retries", retries),
			zap.Int("budget", g.cfg.CIRedMaxRetries))
		return updated, nil
	}

	reason := fmt.Sprintf("ci failed %d times, retry budget %d exhausted", retries, g.cfg.CIRedMaxRetries)
	blocked, err := g.store.UpdateStatus(ctx, updated.ID, goals.StatusBlocked, reason)
	if err != nil {
		return nil, err
	}
	RedBudgetExhaustedTotal.Inc()
	g.publishStatus(ctx, blocked, updated.Status, reason)
	g.Forget(blocked.ID)
	return blocked, nil
}

// PollMerge reads the pull request state. An externally merged PR
// moves the gate to merged and completes the goal when every subtask
// is resolved; a PR closed without merging blocks the goal. While the
// PR stays open this is also where a restart-recovered green streak
// re-arms the merge request.
func (g *Gate) PollMerge(ctx context.Context, goal *goals.Goal) (*goals.Goal, error) {
	if err := pollable(goal); err != nil {
		return nil, err
	}
	tool, err := g.selector.Pick(tools.CategoryHosting)
	if err != nil {
		return nil, err
	}

	res, err := g.caller.Invoke(ctx, tool, tools.OpCheckPRStatus, tools.Args{
		GoalID: goal.ID,
		PR:     goal.PRID,
	})
	if err != nil {
		g.rearm(goal.ID)
		return nil, err
	}
	PollsTotal.WithLabelValues("pr", string(res.PRState)).Inc()

	switch res.PRState {
	case tools.PRMerged:
		return g.onMerged(ctx, goal)
	case tools.PRClosed:
		return g.onClosed(ctx, goal)
	case tools.PROpen:
		if err := g.maybeRequestMerge(ctx, goal); err != nil {
			return goal, err
		}
		g.schedule(goal.ID, false)
		return goal, nil
	}
	return nil, fmt.Errorf("unknown pr state %q for goal %s", res.PRState, goal.ID)
}

func (g *Gate) onMerged(ctx context.Context, goal *goals.Goal) (*goals.Goal, error) {
	updated, err := g.store.SetGate(ctx, goal.ID, goals.GateUpdate{
		State: ptr(goals.GateMerged),
	})
	if err != nil {
		return nil, err
	}
	MergesTotal.Inc()
	g.publishGate(ctx, updated, goal.Gate)
	g.Forget(updated.ID)
	g.logger.Info(ctx, "pull request merged",
		zap.String("goal_id", updated.ID),
		zap.Int64("pr", updated.PRID))

	if !updated.CanComplete() {
		// Subtasks remain; the orchestrator completes the goal once
		// they resolve.
		return updated, nil
	}
	completed, err := g.store.UpdateStatus(ctx, updated.ID, goals.StatusCompleted, "")
	if err != nil {
		return nil, err
	}
	g.publishStatus(ctx, completed, updated.Status, "")
	return completed, nil
}

func (g *Gate) onClosed(ctx context.Context, goal *goals.Goal) (*goals.Goal, error) {
	updated, err := g.store.SetGate(ctx, goal.ID, goals.GateUpdate{
		State: ptr(goals.GateClosed),
	})
	if err != nil {
		return nil, err
	}
	g.publishGate(ctx, updated, goal.Gate)
	g.Forget(updated.ID)

	reason := fmt.Sprintf("pull request %d closed without merging", updated.PRID)
	blocked, err := g.store.UpdateStatus(ctx, updated.ID, goals.StatusBlocked, reason)
	if err != nil {
		return nil, err
	}
	g.publishStatus(ctx, blocked, updated.Status, reason)
	return blocked, nil
}

// maybeRequestMerge sends the merge request when automerge is on and
// the persisted green streak clears the debounce. The streak is zeroed
// by any non-green verdict, so a stale streak cannot fire this.
func (g *Gate) maybeRequestMerge(ctx context.Context, goal *goals.Goal) error {
	if !g.cfg.Automerge || goal.Gate != goals.GateCIGreen || goal.GreenStreak < g.cfg.DebounceGreens {
		return nil
	}
	if goal.PRID <= 0 {
		return fmt.Errorf("%w: goal %s is %s without a pr id", ErrNoPullRequest, goal.ID, goal.Gate)
	}
	tool, err := g.selector.Pick(tools.CategoryHosting)
	if err != nil {
		return err
	}
	if _, err := g.caller.Invoke(ctx, tool, tools.OpRequestMerge, tools.Args{
		GoalID: goal.ID,
		PR:     goal.PRID,
	}); err != nil {
		return err
	}
	MergeRequestsTotal.Inc()
	g.logger.Info(ctx, "merge requested",
		zap.String("goal_id", goal.ID),
		zap.Int64("pr", goal.PRID),
		zap.Int("green_streak", goal.GreenStreak))
	return nil
}

// pollable requires a goal whose PR lifecycle is in flight.
func pollable(goal *goals.Goal) error {
	switch goal.Gate {
	case goals.GatePROpen, goals.GateCIPending, goals.GateCIGreen, goals.GateCIRed:
		return nil
	case goals.GateMerged, goals.GateClosed:
		return fmt.Errorf("%w: goal %s gate %s", ErrGateFinished, goal.ID, goal.Gate)
	default:
		return fmt.Errorf("%w: goal %s gate %s", ErrNoPullRequest, goal.ID, goal.Gate)
	}
}
