// Package github adapts the hosting platform to the tool interfaces:
// pull requests and merges, combined CI status, and the issue and
// CI-failure health signals. Every call retries transient statuses
// with exponential backoff and surfaces the final failure with its
// HTTP status attached, which is what the failure taxonomy keys on.
package github

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/quarrylabs/conveyor/internal/config"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// Config identifies the repository and how to talk to the platform.
type Config struct {
	Owner      string
	Repo       string
	BaseBranch string
	// MergeMethod for RequestMerge. Defaults to squash.
	MergeMethod string
	// Window bounds how far back RecentCIFailures looks. Defaults to
	// 24 hours.
	Window time.Duration
	Retry  RetryConfig
}

// FromAppConfig converts the application config sections.
func FromAppConfig(repo config.RepoConfig) Config {
	return Config{
		Owner:      repo.Owner,
		Repo:       repo.Name,
		BaseBranch: repo.BaseBranch,
	}
}

func (c *Config) applyDefaults() error {
	if c.Owner == "" || c.Repo == "" {
		return errors.New("github owner and repo required")
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.MergeMethod == "" {
		c.MergeMethod = "squash"
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	c.Retry.applyDefaults()
	return nil
}

// NewClient creates an authenticated client. A base URL switches the
// client to an enterprise deployment.
func NewClient(ctx context.Context, token config.Secret, baseURL string) (*github.Client, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("github token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("enterprise base url: %w", err)
		}
	}
	return client, nil
}

// statusCode safely extracts the HTTP status from a response.
func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}

// wrapErr attaches the status code so classification keys on it
// instead of message text.
func wrapErr(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if code := statusCode(resp); code > 0 {
		return &tools.HTTPError{StatusCode: code, Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
