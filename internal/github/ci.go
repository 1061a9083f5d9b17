package github

import (
	"context"

	"github.com/google/go-github/v57/github"

	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// Checks reads the combined CI verdict for a ref from both the
// commit-status API and the check-runs API. Registered as the
// github-checks tool.
type Checks struct {
	client *github.Client
	cfg    Config
	logger *logging.Logger
}

// NewChecks wires the adapter.
func NewChecks(client *github.Client, cfg Config, logger *logging.Logger) (*Checks, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Checks{client: client, cfg: cfg, logger: logger}, nil
}

// CheckCIStatus merges both CI surfaces, worst verdict wins: any
// failure is FAILURE, else anything unfinished is PENDING, else
// SUCCESS. A ref with no reported checks at all is PENDING; nothing
// has vouched for it yet.
func (c *Checks) CheckCIStatus(ctx context.Context, ref string) (tools.CIStatus, error) {
	var combined *github.CombinedStatus
	resp, err := withRetry(ctx, c.cfg.Retry, c.logger, "combined status", func() (*github.Response, error) {
		var r *github.Response
		var e error
		combined, r, e = c.client.Repositories.GetCombinedStatus(ctx, c.cfg.Owner, c.cfg.Repo, ref, nil)
		return r, e
	})
	if err != nil {
		return "", wrapErr("combined status", resp, err)
	}

	var runs *github.ListCheckRunsResults
	resp, err = withRetry(ctx, c.cfg.Retry, c.logger, "check runs", func() (*github.Response, error) {
		var r *github.Response
		var e error
		runs, r, e = c.client.Checks.ListCheckRunsForRef(ctx, c.cfg.Owner, c.cfg.Repo, ref, nil)
		return r, e
	})
	if err != nil {
		return "", wrapErr("check runs", resp, err)
	}

	verdict := ciVerdict{}
	if combined.GetTotalCount() > 0 {
		switch combined.GetState() {
		case "success":
			verdict.add(tools.CISuccess)
		case "failure", "error":
			verdict.add(tools.CIFailure)
		default:
			verdict.add(tools.CIPending)
		}
	}
	for _, run := range runs.CheckRuns {
		verdict.add(checkRunStatus(run))
	}
	return verdict.result(), nil
}

func checkRunStatus(run *github.CheckRun) tools.CIStatus {
	if run.GetStatus() != "completed" {
		return tools.CIPending
	}
	switch run.GetConclusion() {
	case "success", "neutral", "skipped":
		return tools.CISuccess
	case "failure", "timed_out", "cancelled", "action_required", "stale":
		return tools.CIFailure
	default:
		return tools.CIPending
	}
}

// ciVerdict accumulates statuses, worst wins.
type ciVerdict struct {
	seen    bool
	failed  bool
	pending bool
}

func (v *ciVerdict) add(s tools.CIStatus) {
	v.seen = true
	switch s {
	case tools.CIFailure:
		v.failed = true
	case tools.CIPending:
		v.pending = true
	}
}

func (v *ciVerdict) result() tools.CIStatus {
	switch {
	case v.failed:
		return tools.CIFailure
	case v.pending, !v.seen:
		return tools.CIPending
	default:
		return tools.CISuccess
	}
}
