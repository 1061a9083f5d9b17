// Package ledger tracks how reliable each tool has been, globally and
// per capability category, and turns that history into a ranking the
// orchestrator consults when several tools could serve an action.
// Aggregates use an exponentially weighted moving average so memory
// stays bounded and the ranking adapts when a tool starts degrading.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/config"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/storage"
)

const (
	schemaVersion = 1

	// FileName is the ledger's file inside the state directory.
	FileName = "tool-reliability.json"

	// neutralPrior is the score assumed for a tool nobody has tried
	// yet. Sparse tools are pulled toward it instead of being ranked
	// on a handful of samples.
	neutralPrior = 0.5
)

// ErrToolUnknown is returned by Reset for a tool the ledger has never
// seen.
var ErrToolUnknown = errors.New("tool not tracked")

// Config holds the scoring constants. They are fixed at construction;
// changing them requires a restart.
type Config struct {
	// Alpha is the EWMA weight of the newest sample, in (0, 1].
	Alpha float64
	// ColdStartSamples is the sample count below which a tool's score
	// is blended toward the neutral prior. Zero disables blending.
	ColdStartSamples int
	// WeightSuccess and WeightHelpfulness blend the two aggregates
	// into one score: WeightSuccess*success_rate +
	// WeightHelpfulness*mean_helpfulness.
	WeightSuccess     float64
	WeightHelpfulness float64
	// MaxNotes bounds the free-form observations kept per tool,
	// newest first retained.
	MaxNotes int
}

// DefaultConfig returns the documented scoring constants: alpha 0.3,
// cold start below 5 samples, weights 0.7 success / 0.3 helpfulness.
func DefaultConfig() Config {
	return Config{
		Alpha:             0.3,
		ColdStartSamples:  5,
		WeightSuccess:     0.7,
		WeightHelpfulness: 0.3,
		MaxNotes:          10,
	}
}

// FromAppConfig converts the application config section.
func FromAppConfig(app config.LedgerConfig) Config {
	return Config{
		Alpha:             app.Alpha,
		ColdStartSamples:  app.ColdStartSamples,
		WeightSuccess:     app.WeightSuccess,
		WeightHelpfulness: app.WeightHelpfulness,
		MaxNotes:          app.MaxNotes,
	}
}

// Validate checks the scoring constants.
func (c Config) Validate() error {
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("alpha %v outside (0, 1]", c.Alpha)
	}
	if c.ColdStartSamples < 0 {
		return fmt.Errorf("cold_start_samples %d negative", c.ColdStartSamples)
	}
	if c.WeightSuccess < 0 || c.WeightHelpfulness < 0 {
		return errors.New("score weights must not be negative")
	}
	if c.WeightSuccess+c.WeightHelpfulness <= 0 {
		return errors.New("score weights must not both be zero")
	}
	if c.MaxNotes < 0 {
		return fmt.Errorf("max_notes %d negative", c.MaxNotes)
	}
	return nil
}

// Stats is one EWMA aggregate: sample count plus smoothed success
// rate and helpfulness in [0, 1].
type Stats struct {
	Count           int     `json:"count"`
	SuccessRate     float64 `json:"success_rate"`
	MeanHelpfulness float64 `json:"mean_helpfulness"`
}

func (s *Stats) observe(success bool, helpfulness, alpha float64) {
	v := 0.0
	if success {
		v = 1.0
	}
	if s.Count == 0 {
		// The first sample initializes the average directly instead
		// of smoothing against a zero that never happened.
		s.SuccessRate = v
		s.MeanHelpfulness = helpfulness
	} else {
		s.SuccessRate = alpha*v + (1-alpha)*s.SuccessRate
		s.MeanHelpfulness = alpha*helpfulness + (1-alpha)*s.MeanHelpfulness
	}
	s.Count++
}

func (s *Stats) sanitize() {
	if s.Count < 0 {
		s.Count = 0
	}
	s.SuccessRate = clamp01(s.SuccessRate)
	s.MeanHelpfulness = clamp01(s.MeanHelpfulness)
}

// Entry is the persisted reliability record of one tool.
type Entry struct {
	Tool       string           `json:"tool"`
	Global     Stats            `json:"global"`
	Categories map[string]Stats `json:"per_category,omitempty"`
	Notes      []string         `json:"notes,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (e *Entry) clone() *Entry {
	out := *e
	if e.Categories != nil {
		out.Categories = make(map[string]Stats, len(e.Categories))
		for k, v := range e.Categories {
			out.Categories[k] = v
		}
	}
	if e.Notes != nil {
		out.Notes = append([]string(nil), e.Notes...)
	}
	return &out
}

// ledgerFile is the persisted envelope.
type ledgerFile struct {
	SchemaVersion int               `json:"schema_version"`
	Tools         map[string]*Entry `json:"tools"`
}

// Ledger records invocation outcomes and ranks tools. All methods are
// safe for concurrent use; every recording is persisted before it
// returns.
type Ledger struct {
	mu      sync.Mutex
	path    string
	cfg     Config
	logger  *logging.Logger
	entries map[string]*Entry
	guard   *storage.ModGuard
}

// New opens (or creates) the reliability ledger under dir.
func New(dir string, cfg Config, logger *logging.Logger) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ledger config: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	l := &Ledger{
		path:    path,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*Entry),
		guard:   storage.NewModGuard(path),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the location of the persisted ledger.
func (l *Ledger) Path() string {
	return l.path
}

// LastWrite returns the stat of the file as last touched by this
// process.
func (l *Ledger) LastWrite() (mod time.Time, size int64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.guard.Last()
}

// RecordInvocation folds one outcome into the tool's global and
// per-category aggregates and persists the ledger. Helpfulness is
// clamped to [0, 1]; an optional note is kept with the entry, newest
// first, bounded by MaxNotes.
func (l *Ledger) RecordInvocation(ctx context.Context, tool, category string, success bool, helpfulness float64, note string) error {
	if tool == "" {
		return errors.New("tool id required")
	}
	helpfulness = clamp01(helpfulness)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[tool]
	if !ok {
		e = &Entry{Tool: tool}
		l.entries[tool] = e
	}
	snapshot := e.clone()

	e.Global.observe(success, helpfulness, l.cfg.Alpha)
	if category != "" {
		if e.Categories == nil {
			e.Categories = make(map[string]Stats)
		}
		st := e.Categories[category]
		st.observe(success, helpfulness, l.cfg.Alpha)
		e.Categories[category] = st
	}
	if note != "" && l.cfg.MaxNotes > 0 {
		e.Notes = append([]string{note}, e.Notes...)
		if len(e.Notes) > l.cfg.MaxNotes {
			e.Notes = e.Notes[:l.cfg.MaxNotes]
		}
	}
	e.UpdatedAt = time.Now().UTC()

	if err := l.save(); err != nil {
		l.entries[tool] = snapshot
		return err
	}

	result := "failure"
	if success {
		result = "success"
	}
	RecordingsTotal.WithLabelValues(tool, result).Inc()
	ScoreGauge.WithLabelValues(tool).Set(l.rawScore(e.Global))
	l.logger.Debug(ctx, "invocation recorded",
		zap.String("tool", tool),
		zap.String("category", category),
		zap.Bool("success", success),
		zap.Float64("helpfulness", helpfulness),
		zap.Int("samples", e.Global.Count))
	return nil
}

// Ranking is one row of RankedTools output. Score is the cold-start
// blended value the ordering uses; RawScore is the unblended one.
type Ranking struct {
	Tool     string  `json:"tool"`
	Samples  int     `json:"samples"`
	RawScore float64 `json:"raw_score"`
	Score    float64 `json:"score"`
}

// RankedTools orders the candidate tools for a category, best first.
// Category-specific aggregates are preferred; a tool without samples
// in the category falls back to its global record, and a tool with no
// record at all sits exactly on the neutral prior. Ties break by
// ascending tool id so the ordering is deterministic.
func (l *Ledger) RankedTools(category string, candidates []string) []Ranking {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Ranking, 0, len(candidates))
	for _, tool := range candidates {
		st := l.statsFor(tool, category)
		raw := l.rawScore(st)
		out = append(out, Ranking{
			Tool:     tool,
			Samples:  st.Count,
			RawScore: raw,
			Score:    l.blend(raw, st.Count),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Tool < out[j].Tool
	})
	return out
}

func (l *Ledger) statsFor(tool, category string) Stats {
	e, ok := l.entries[tool]
	if !ok {
		return Stats{}
	}
	if category != "" {
		if st, ok := e.Categories[category]; ok && st.Count > 0 {
			return st
		}
	}
	return e.Global
}

func (l *Ledger) rawScore(st Stats) float64 {
	if st.Count == 0 {
		return neutralPrior
	}
	return l.cfg.WeightSuccess*st.SuccessRate + l.cfg.WeightHelpfulness*st.MeanHelpfulness
}

// blend pulls a sparse tool's score toward the neutral prior by its
// sample fraction, so one lucky success cannot outrank an established
// record.
func (l *Ledger) blend(raw float64, samples int) float64 {
	n := l.cfg.ColdStartSamples
	if n <= 0 || samples >= n {
		return raw
	}
	frac := float64(samples) / float64(n)
	return frac*raw + (1-frac)*neutralPrior
}

// Get returns a copy of one tool's entry.
func (l *Ledger) Get(tool string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[tool]
	if !ok {
		return Entry{}, false
	}
	return *e.clone(), true
}

// Entries returns every entry ordered by tool id.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

// Reset discards one tool's history. It exists for operators only;
// nothing in the engine calls it.
func (l *Ledger) Reset(ctx context.Context, tool string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[tool]
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolUnknown, tool)
	}
	delete(l.entries, tool)
	if err := l.save(); err != nil {
		l.entries[tool] = e
		return err
	}
	ResetsTotal.Inc()
	ScoreGauge.WithLabelValues(tool).Set(neutralPrior)
	l.logger.Info(ctx, "tool reliability reset", zap.String("tool", tool))
	return nil
}

// load reads the persisted ledger. An unparseable document is set
// aside as <file>.corrupt and the ledger starts empty; individual
// entries are sanitized rather than dropped.
func (l *Ledger) load() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	l.guard.Remember()

	var doc ledgerFile
	if err := json.Unmarshal(data, &doc); err != nil {
		aside := l.path + ".corrupt"
		if renameErr := os.Rename(l.path, aside); renameErr != nil {
			return fmt.Errorf("set aside corrupt ledger: %w", renameErr)
		}
		l.guard.Remember()
		l.logger.Error(context.Background(), "ledger unparseable, set aside",
			zap.String("path", l.path),
			zap.String("aside", aside),
			zap.Error(err))
		return nil
	}

	for tool, e := range doc.Tools {
		if e == nil {
			continue
		}
		e.Tool = tool
		e.Global.sanitize()
		for cat, st := range e.Categories {
			st.sanitize()
			e.Categories[cat] = st
		}
		if l.cfg.MaxNotes >= 0 && len(e.Notes) > l.cfg.MaxNotes {
			e.Notes = e.Notes[:l.cfg.MaxNotes]
		}
		l.entries[tool] = e
		ScoreGauge.WithLabelValues(tool).Set(l.rawScore(e.Global))
	}
	return nil
}

// save writes the ledger atomically. The caller must hold l.mu.
func (l *Ledger) save() error {
	if err := l.guard.Check(); err != nil {
		SavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("ledger save: %w", err)
	}
	doc := ledgerFile{SchemaVersion: schemaVersion, Tools: l.entries}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		SavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := storage.WriteFileAtomic(l.path, data, 0o600); err != nil {
		SavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("write ledger: %w", err)
	}
	l.guard.Remember()
	SavesTotal.WithLabelValues("success").Inc()
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
