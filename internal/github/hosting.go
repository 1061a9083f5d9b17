package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// Hosting drives pull requests. Registered as the github-api tool.
type Hosting struct {
	client *github.Client
	cfg    Config
	logger *logging.Logger
}

// NewHosting wires the adapter.
func NewHosting(client *github.Client, cfg Config, logger *logging.Logger) (*Hosting, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hosting{client: client, cfg: cfg, logger: logger}, nil
}

// OpenPR opens a pull request from branch onto the base branch. If
// the platform reports one already open for that head, its number is
// returned instead: a crashed attempt that got the PR created but not
// recorded converges on retry.
func (h *Hosting) OpenPR(ctx context.Context, branch, title, body string) (int64, error) {
	newPR := &github.NewPullRequest{
		Title: &title,
		Head:  &branch,
		Base:  &h.cfg.BaseBranch,
		Body:  &body,
	}
	var pr *github.PullRequest
	resp, err := withRetry(ctx, h.cfg.Retry, h.logger, "open pr", func() (*github.Response, error) {
		var r *github.Response
		var e error
		pr, r, e = h.client.PullRequests.Create(ctx, h.cfg.Owner, h.cfg.Repo, newPR)
		return r, e
	})
	if err != nil {
		if statusCode(resp) == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(err.Error()), "pull request already exists") {
			return h.findOpenPR(ctx, branch)
		}
		return 0, wrapErr("open pr", resp, err)
	}
	h.logger.Info(ctx, "pull request opened",
		zap.Int("pr", pr.GetNumber()),
		zap.String("branch", branch))
	return int64(pr.GetNumber()), nil
}

// findOpenPR resolves the open pull request for a head branch.
func (h *Hosting) findOpenPR(ctx context.Context, branch string) (int64, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		Head:        h.cfg.Owner + ":" + branch,
		ListOptions: github.ListOptions{PerPage: 10},
	}
	var prs []*github.PullRequest
	resp, err := withRetry(ctx, h.cfg.Retry, h.logger, "find existing pr", func() (*github.Response, error) {
		var r *github.Response
		var e error
		prs, r, e = h.client.PullRequests.List(ctx, h.cfg.Owner, h.cfg.Repo, opts)
		return r, e
	})
	if err != nil {
		return 0, wrapErr("find existing pr", resp, err)
	}
	if len(prs) == 0 {
		return 0, &tools.HTTPError{
			StatusCode: http.StatusUnprocessableEntity,
			Err:        fmt.Errorf("pr for %s reported existing but none open", branch),
		}
	}
	h.logger.Info(ctx, "adopted existing pull request",
		zap.Int("pr", prs[0].GetNumber()),
		zap.String("branch", branch))
	return int64(prs[0].GetNumber()), nil
}

// CheckPRStatus reports the platform's view of the pull request.
func (h *Hosting) CheckPRStatus(ctx context.Context, prID int64) (tools.PRStatus, error) {
	var pr *github.PullRequest
	resp, err := withRetry(ctx, h.cfg.Retry, h.logger, "check pr status", func() (*github.Response, error) {
		var r *github.Response
		var e error
		pr, r, e = h.client.PullRequests.Get(ctx, h.cfg.Owner, h.cfg.Repo, int(prID))
		return r, e
	})
	if err != nil {
		return "", wrapErr("check pr status", resp, err)
	}
	switch {
	case pr.GetMerged():
		return tools.PRMerged, nil
	case pr.GetState() == "closed":
		return tools.PRClosed, nil
	default:
		return tools.PROpen, nil
	}
}

// RequestMerge asks the platform to merge the pull request.
func (h *Hosting) RequestMerge(ctx context.Context, prID int64) error {
	opts := &github.PullRequestOptions{MergeMethod: h.cfg.MergeMethod}
	var result *github.PullRequestMergeResult
	resp, err := withRetry(ctx, h.cfg.Retry, h.logger, "request merge", func() (*github.Response, error) {
		var r *github.Response
		var e error
		result, r, e = h.client.PullRequests.Merge(ctx, h.cfg.Owner, h.cfg.Repo, int(prID), "", opts)
		return r, e
	})
	if err != nil {
		return wrapErr("request merge", resp, err)
	}
	if !result.GetMerged() {
		return &tools.HTTPError{
			StatusCode: http.StatusMethodNotAllowed,
			Err:        fmt.Errorf("merge of pr %d not performed: %s", prID, result.GetMessage()),
		}
	}
	h.logger.Info(ctx, "pull request merged", zap.Int64("pr", prID))
	return nil
}
