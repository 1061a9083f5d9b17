package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/goals"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// CreateBranchAndPR advances a goal from no_branch to pr_open:
// create_branch and commit_and_push first, branch_created persisted,
// then open_pr, pr_open persisted. Called on a goal that already holds
// a branch it resumes at the pull request, which is exactly the crash
// recovery path; called on a goal whose PR is already open it is a
// no-op.
func (g *Gate) CreateBranchAndPR(ctx context.Context, goal *goals.Goal) (*goals.Goal, error) {
	switch goal.Gate {
	case goals.GateNoBranch:
	case goals.GateBranchCreated:
		return g.openPR(ctx, goal)
	case goals.GatePROpen, goals.GateCIPending, goals.GateCIGreen, goals.GateCIRed:
		return goal, nil
	default:
		return nil, fmt.Errorf("%w: goal %s gate %s", ErrGateFinished, goal.ID, goal.Gate)
	}

	tool, err := g.selector.Pick(tools.CategorySourceControl)
	if err != nil {
		return nil, err
	}
	branch := branchName(g.cfg.BranchPrefix, goal)

	_, err = g.caller.Invoke(ctx, tool, tools.OpCreateBranch, tools.Args{
		GoalID: goal.ID,
		Name:   branch,
	})
	if err != nil {
		if !branchExists(err) {
			return nil, err
		}
		// The branch name is derived from the goal id, so an existing
		// branch is our own from a run that crashed before persisting.
		g.logger.Info(ctx, "adopting existing branch",
			zap.String("goal_id", goal.ID),
			zap.String("branch", branch))
	}

	if _, err := g.caller.Invoke(ctx, tool, tools.OpCommitAndPush, tools.Args{
		GoalID:  goal.ID,
		Branch:  branch,
		Message: commitMessage(goal),
	}); err != nil {
		return nil, err
	}

	updated, err := g.store.SetGate(ctx, goal.ID, goals.GateUpdate{
		State:  ptr(goals.GateBranchCreated),
		Branch: &branch,
	})
	if err != nil {
		return nil, err
	}
	BranchesCreatedTotal.Inc()
	g.publishGate(ctx, updated, goal.Gate)

	return g.openPR(ctx, updated)
}

// openPR opens the pull request for a goal whose branch is already
// pushed and persists pr_open. The hosting adapter adopts an existing
// open PR for the branch, so a retry after a crash converges on the
// same PR id.
func (g *Gate) openPR(ctx context.Context, goal *goals.Goal) (*goals.Goal, error) {
	tool, err := g.selector.Pick(tools.CategoryHosting)
	if err != nil {
		return nil, err
	}

	res, err := g.caller.Invoke(ctx, tool, tools.OpOpenPR, tools.Args{
		GoalID: goal.ID,
		Branch: goal.Branch,
		Title:  goal.Title,
		Body:   prBody(goal),
	})
	if err != nil {
		return nil, err
	}

	updated, err := g.store.SetGate(ctx, goal.ID, goals.GateUpdate{
		State: ptr(goals.GatePROpen),
		PR:    &res.PR,
	})
	if err != nil {
		return nil, err
	}
	PRsOpenedTotal.Inc()
	g.publishGate(ctx, updated, goal.Gate)
	g.schedule(updated.ID, true)

	g.logger.Info(ctx, "pull request open",
		zap.String("goal_id", updated.ID),
		zap.String("branch", updated.Branch),
		zap.Int64("pr", updated.PRID))
	return updated, nil
}

// branchExists recognizes the create_branch failure for a branch that
// is already there. Both source-control adapters surface the message.
func branchExists(err error) bool {
	var ext *tools.ExternalError
	if !errors.As(err, &ext) || ext.Op != tools.OpCreateBranch {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
