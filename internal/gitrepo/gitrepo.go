// Package gitrepo provides the source-control adapters: one on the
// embedded go-git implementation and one shelling out to the git
// binary. Both serve the same two operations and are registered as
// separate tools, so the reliability ledger decides which one the
// engine reaches for.
package gitrepo

import (
	"errors"

	"github.com/quarrylabs/conveyor/internal/config"
)

// Config locates the working tree and its remote.
type Config struct {
	// Path is the repository working tree.
	Path string
	// Remote to push branches to. Defaults to origin.
	Remote string
	// BaseBranch is the branch goals fork from. Defaults to main.
	BaseBranch string
	// Token authenticates pushes over HTTPS. Empty means ambient
	// credentials (the git-cli adapter always uses ambient ones).
	Token string
}

// FromAppConfig converts the application config sections.
func FromAppConfig(repo config.RepoConfig, gh config.GitHubConfig) Config {
	return Config{
		Path:       repo.Path,
		Remote:     repo.Remote,
		BaseBranch: repo.BaseBranch,
		Token:      gh.Token.Value(),
	}
}

func (c *Config) applyDefaults() error {
	if c.Path == "" {
		return errors.New("repository path required")
	}
	if c.Remote == "" {
		c.Remote = "origin"
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	return nil
}

// Commit identity used when the engine commits on its own behalf.
const (
	commitName  = "conveyor"
	commitEmail = "conveyor@localhost"
)
