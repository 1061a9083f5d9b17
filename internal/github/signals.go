package github

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// Issues lists labeled open issues as health signals. Registered as
// the github-issues tool.
type Issues struct {
	client *github.Client
	cfg    Config
	logger *logging.Logger
}

// NewIssues wires the adapter.
func NewIssues(client *github.Client, cfg Config, logger *logging.Logger) (*Issues, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Issues{client: client, cfg: cfg, logger: logger}, nil
}

// ListIssues returns open issues carrying any of the labels. The
// signal id is stable per issue number, which is what keeps rescans
// from minting duplicate goals.
func (i *Issues) ListIssues(ctx context.Context, labels []string) ([]tools.Signal, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Labels:      labels,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var signals []tools.Signal
	for {
		var issues []*github.Issue
		resp, err := withRetry(ctx, i.cfg.Retry, i.logger, "list issues", func() (*github.Response, error) {
			var r *github.Response
			var e error
			issues, r, e = i.client.Issues.ListByRepo(ctx, i.cfg.Owner, i.cfg.Repo, opts)
			return r, e
		})
		if err != nil {
			return nil, wrapErr("list issues", resp, err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			signals = append(signals, tools.Signal{
				Kind:   tools.SignalIssue,
				ID:     fmt.Sprintf("issue:%d", issue.GetNumber()),
				Title:  issue.GetTitle(),
				Labels: labelNames(issue.Labels),
				Detail: excerpt(issue.GetBody(), 200),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return signals, nil
}

// ActionsHistory reports workflows that failed recently. Registered
// as the ci-history tool.
type ActionsHistory struct {
	client *github.Client
	cfg    Config
	logger *logging.Logger
}

// NewActionsHistory wires the adapter.
func NewActionsHistory(client *github.Client, cfg Config, logger *logging.Logger) (*ActionsHistory, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ActionsHistory{client: client, cfg: cfg, logger: logger}, nil
}

// RecentCIFailures lists workflows with failed runs inside the
// window, one signal per workflow keyed by its name.
func (a *ActionsHistory) RecentCIFailures(ctx context.Context) ([]tools.Signal, error) {
	opts := &github.ListWorkflowRunsOptions{
		Status:      "failure",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var runs *github.WorkflowRuns
	resp, err := withRetry(ctx, a.cfg.Retry, a.logger, "list workflow runs", func() (*github.Response, error) {
		var r *github.Response
		var e error
		runs, r, e = a.client.Actions.ListRepositoryWorkflowRuns(ctx, a.cfg.Owner, a.cfg.Repo, opts)
		return r, e
	})
	if err != nil {
		return nil, wrapErr("list workflow runs", resp, err)
	}

	cutoff := time.Now().Add(-a.cfg.Window)
	seen := make(map[string]struct{})
	var signals []tools.Signal
	for _, run := range runs.WorkflowRuns {
		name := run.GetName()
		if name == "" {
			continue
		}
		if !run.GetCreatedAt().Time.After(cutoff) {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		signals = append(signals, tools.Signal{
			Kind:   tools.SignalCIFailure,
			ID:     "ci-failure:" + name,
			Title:  fmt.Sprintf("CI workflow %s failing", name),
			Detail: fmt.Sprintf("branch %s: %s", run.GetHeadBranch(), run.GetHTMLURL()),
		})
	}
	return signals, nil
}

func labelNames(labels []*github.Label) []string {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.GetName())
	}
	return names
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
