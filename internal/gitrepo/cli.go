package gitrepo

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/logging"
)

// CLI shells out to the git binary. It relies on the operator's
// credential helpers for pushes; the token from config is not used.
type CLI struct {
	cfg    Config
	logger *logging.Logger
}

// NewCLI verifies the binary exists and the path is a repository.
func NewCLI(cfg Config, logger *logging.Logger) (*CLI, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git binary not found: %w", err)
	}
	c := &CLI{cfg: cfg, logger: logger}
	if _, err := c.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("not a git repository: %s", cfg.Path)
	}
	return c, nil
}

// CreateBranch forks from HEAD and switches to the new branch.
func (c *CLI) CreateBranch(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "checkout", "-b", name); err != nil {
		return err
	}
	c.logger.Debug(ctx, "branch created", zap.String("branch", name))
	return nil
}

// CommitAndPush stages, commits, and pushes. Nothing to commit is not
// a failure; the push still runs so crashed attempts converge.
func (c *CLI) CommitAndPush(ctx context.Context, branch, message string, paths []string) error {
	if _, err := c.run(ctx, "checkout", branch); err != nil {
		return err
	}

	addArgs := []string{"add", "-A"}
	if len(paths) > 0 {
		addArgs = append([]string{"add", "--"}, paths...)
	}
	if _, err := c.run(ctx, addArgs...); err != nil {
		return err
	}

	commitArgs := []string{
		"-c", "user.name=" + commitName,
		"-c", "user.email=" + commitEmail,
		"commit", "-m", message,
	}
	if out, err := c.run(ctx, commitArgs...); err != nil {
		if !strings.Contains(out, "nothing to commit") {
			return err
		}
	}

	if _, err := c.run(ctx, "push", "-u", c.cfg.Remote, branch); err != nil {
		return err
	}
	c.logger.Debug(ctx, "branch pushed",
		zap.String("branch", branch),
		zap.String("remote", c.cfg.Remote))
	return nil
}

// run executes git against the working tree and returns combined
// output. Failure errors carry the trimmed output, which is what the
// failure taxonomy classifies on.
func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", c.cfg.Path}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		sub := args[0]
		for _, a := range args {
			if !strings.HasPrefix(a, "-") && !strings.Contains(a, "=") {
				sub = a
				break
			}
		}
		if text != "" {
			return text, fmt.Errorf("git %s: %s", sub, text)
		}
		return text, fmt.Errorf("git %s: %w", sub, err)
	}
	return text, nil
}
