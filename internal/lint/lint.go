// Package lint is the secret-scan health-signal source. It walks the
// tracked files of the target repository with the Gitleaks ruleset and
// reports one signal per leaked rule per file. Registered as the
// gitleaks tool.
package lint

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/config"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// defaultMaxFileSize bounds how much of a file the detector will read.
// Anything larger is almost certainly generated or binary.
const defaultMaxFileSize = 1 << 20

// Config locates the repository to scan.
type Config struct {
	// RepoPath is the working-tree root. Required.
	RepoPath string

	// MaxFileSize skips files larger than this many bytes. Defaults
	// to 1 MiB.
	MaxFileSize int64
}

// FromAppConfig maps the repository section onto a scan config.
func FromAppConfig(repo config.RepoConfig) Config {
	return Config{RepoPath: repo.Path}
}

func (c *Config) applyDefaults() error {
	if c.RepoPath == "" {
		return fmt.Errorf("lint: repo path is required")
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	return nil
}

// Scanner runs the Gitleaks ruleset over tracked files. The detector
// and the allowlist are built once at construction; a scan never
// mutates them.
type Scanner struct {
	cfg       Config
	repo      *git.Repository
	detector  *detect.Detector
	pathSkips []*regexp.Regexp
	logger    *logging.Logger
}

var _ tools.LintSource = (*Scanner)(nil)

// NewScanner opens the repository, builds the default Gitleaks
// detector, and folds in the repository's .gitleaks.toml allowlist.
func NewScanner(cfg Config, logger *logging.Logger) (*Scanner, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	repo, err := git.PlainOpen(cfg.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("lint: open repository %s: %w", cfg.RepoPath, err)
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("lint: build detector: %w", err)
	}
	allow, err := LoadAllowlist(cfg.RepoPath)
	if err != nil {
		return nil, err
	}
	s := &Scanner{cfg: cfg, repo: repo, detector: detector, logger: logger}
	if allow != nil {
		// DetectString carries no file path, so path patterns filter
		// the walk here; content patterns go to the detector itself.
		for _, pattern := range allow.Paths {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRegex, pattern, err)
			}
			s.pathSkips = append(s.pathSkips, re)
		}
		applyContentAllowlist(&detector.Config, allow)
	}
	return s, nil
}

// ListLintViolations scans every tracked file as it currently exists
// on disk and returns one signal per (rule, path) pair. The signal id
// is stable across rescans of the same leak.
func (s *Scanner) ListLintViolations(ctx context.Context) ([]tools.Signal, error) {
	start := time.Now()
	paths, err := s.trackedPaths()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	var signals []tools.Signal
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.skipPath(path) {
			continue
		}
		content, ok := s.readScannable(path)
		if !ok {
			continue
		}
		for _, f := range s.detector.DetectString(content) {
			id := fmt.Sprintf("lint:%s:%s", f.RuleID, path)
			counts[id]++
			if counts[id] > 1 {
				continue
			}
			FindingsTotal.WithLabelValues(f.RuleID).Inc()
			signals = append(signals, tools.Signal{
				Kind:   tools.SignalLint,
				ID:     id,
				Title:  fmt.Sprintf("%s in %s", f.Description, path),
				Labels: []string{"security"},
				Detail: fmt.Sprintf("rule %s, line %d", f.RuleID, f.StartLine),
			})
		}
	}
	for i := range signals {
		if n := counts[signals[i].ID]; n > 1 {
			signals[i].Detail = fmt.Sprintf("%s (%d matches)", signals[i].Detail, n)
		}
	}

	ScansTotal.Inc()
	s.logger.Debug(ctx, "secret scan finished",
		zap.Int("files", len(paths)),
		zap.Int("findings", len(signals)),
		zap.Duration("elapsed", time.Since(start)))
	return signals, nil
}

// trackedPaths lists the repository-relative paths of every file in
// the HEAD tree. An unborn repository has nothing tracked.
func (s *Scanner) trackedPaths() ([]string, error) {
	head, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("lint: resolve HEAD: %w", err)
	}
	commit, err := s.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("lint: load HEAD commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("lint: load HEAD tree: %w", err)
	}
	var paths []string
	err = tree.Files().ForEach(func(f *object.File) error {
		paths = append(paths, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lint: walk HEAD tree: %w", err)
	}
	return paths, nil
}

func (s *Scanner) skipPath(path string) bool {
	for _, re := range s.pathSkips {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// readScannable reads the on-disk state of a tracked path. Files that
// were deleted since HEAD, exceed the size bound, or look binary are
// skipped rather than failed: the scan reports leaks, it does not
// police the tree.
func (s *Scanner) readScannable(path string) (string, bool) {
	full := filepath.Join(s.cfg.RepoPath, path)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() || info.Size() > s.cfg.MaxFileSize {
		return "", false
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return "", false
	}
	if isBinary(content) {
		return "", false
	}
	return string(content), true
}

// isBinary applies the git heuristic: a NUL byte in the first 8000
// bytes marks the file binary.
func isBinary(content []byte) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

// applyContentAllowlist merges the content patterns into the Gitleaks
// config as a global allowlist entry.
func applyContentAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	if len(allow.Regexes) == 0 {
		return
	}
	entry := &gitleaksConfig.Allowlist{Description: "conveyor repository allowlist"}
	for _, pattern := range allow.Regexes {
		// Validated in LoadAllowlist.
		re := regexp.MustCompile(pattern)
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	entry.StopWords = append(entry.StopWords, allow.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, entry)
}
