package lint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidRegex marks an allowlist pattern that failed to compile.
	ErrInvalidRegex = errors.New("lint: invalid regex pattern")

	// ErrInvalidTOML marks an allowlist file that failed to parse.
	ErrInvalidTOML = errors.New("lint: invalid TOML")
)

// Allowlist carries the repository's scan exclusions: path patterns
// drop whole files from the walk, content patterns suppress matches
// inside any file. Patterns are validated when loaded.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlist reads .gitleaks.toml at the repository root. A missing
// file means no allowlist; a present but broken file is an error,
// because silently scanning without the exclusions would flood the
// scanner with known-accepted findings.
func LoadAllowlist(repoPath string) (*Allowlist, error) {
	path := filepath.Join(repoPath, ".gitleaks.toml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lint: stat %s: %w", path, err)
	}

	var file struct {
		Allowlist struct {
			Paths   []string `toml:"paths"`
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Paths {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: path pattern %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: content pattern %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Paths:   file.Allowlist.Paths,
		Regexes: file.Allowlist.Regexes,
	}, nil
}
