package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/logging"
)

// GoGit drives the repository through the embedded git
// implementation, no git binary required.
type GoGit struct {
	cfg    Config
	repo   *git.Repository
	logger *logging.Logger
}

// NewGoGit opens the working tree. Opening eagerly makes a bad path a
// startup error instead of a mid-goal one.
func NewGoGit(cfg Config, logger *logging.Logger) (*GoGit, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	repo, err := git.PlainOpen(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", cfg.Path, err)
	}
	return &GoGit{cfg: cfg, repo: repo, logger: logger}, nil
}

// CreateBranch forks a branch from the current HEAD and checks it
// out, keeping any local changes in the tree.
func (g *GoGit) CreateBranch(ctx context.Context, name string) error {
	w, err := g.repo.Worktree()
	if err != nil {
		return err
	}
	err = w.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
		Keep:   true,
	})
	if err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	g.logger.Debug(ctx, "branch created", zap.String("branch", name))
	return nil
}

// CommitAndPush stages the given paths (everything when empty),
// commits on the branch, and pushes it to the remote. A clean tree
// skips the commit and pushes anyway, so a retry after a crash
// between commit and push converges instead of failing.
func (g *GoGit) CommitAndPush(ctx context.Context, branch, message string, paths []string) error {
	w, err := g.repo.Worktree()
	if err != nil {
		return err
	}
	err = w.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Keep:   true,
	})
	if err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}

	if len(paths) == 0 {
		if err := w.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return fmt.Errorf("stage all: %w", err)
		}
	} else {
		for _, p := range paths {
			if _, err := w.Add(p); err != nil {
				return fmt.Errorf("stage %s: %w", p, err)
			}
		}
	}

	_, err = w.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  commitName,
			Email: commitEmail,
			When:  time.Now(),
		},
	})
	if err != nil && !errors.Is(err, git.ErrEmptyCommit) {
		return fmt.Errorf("commit on %s: %w", branch, err)
	}

	refSpec := gitcfg.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = g.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: g.cfg.Remote,
		RefSpecs:   []gitcfg.RefSpec{refSpec},
		Auth:       g.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s to %s: %w", branch, g.cfg.Remote, err)
	}
	g.logger.Debug(ctx, "branch pushed",
		zap.String("branch", branch),
		zap.String("remote", g.cfg.Remote))
	return nil
}

func (g *GoGit) auth() transport.AuthMethod {
	if g.cfg.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: g.cfg.Token}
}
