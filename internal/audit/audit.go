// Package audit keeps an append-only JSONL trail of every tool
// invocation: what ran, for which goal, how long it took, and how the
// failure was classified. The trail is for operators and post-mortems;
// the reliability ledger, not this log, drives tool selection.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/storage"
)

// FileName is the audit log's file inside the state directory.
const FileName = "invocations.jsonl"

// maxLineBytes bounds a single record when scanning the log back in.
const maxLineBytes = 1 << 20

// ErrorKind values mirror the invoker's failure classification.
const (
	KindTransient = "transient"
	KindPermanent = "permanent"
)

// Record is one appended invocation.
type Record struct {
	Time        time.Time `json:"time"`
	Tool        string    `json:"tool"`
	Category    string    `json:"category"`
	GoalID      string    `json:"goal_id,omitempty"`
	Success     bool      `json:"success"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Helpfulness float64   `json:"helpfulness"`
}

// Log is the append-only invocation trail. Appends are serialized and
// fsynced; reads scan the file fresh each time.
type Log struct {
	mu     sync.Mutex
	path   string
	logger *logging.Logger
}

// NewLog opens the audit trail under dir. The file is created lazily
// on first append.
func NewLog(dir string, logger *logging.Logger) (*Log, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Log{
		path:   filepath.Join(dir, FileName),
		logger: logger,
	}, nil
}

// Path returns the location of the audit trail.
func (l *Log) Path() string {
	return l.path
}

// Append writes one record. A zero Time is stamped with the current
// UTC time.
func (l *Log) Append(ctx context.Context, rec Record) error {
	if rec.Tool == "" {
		return errors.New("audit record needs a tool")
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := storage.AppendLine(l.path, line); err != nil {
		l.logger.Error(ctx, "audit append failed",
			zap.String("tool", rec.Tool),
			zap.Error(err))
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Query filters reads of the trail. Zero values match everything.
type Query struct {
	Tool         string
	GoalID       string
	Since        time.Time
	FailuresOnly bool
	// Limit keeps only the newest N matches; zero means all.
	Limit int
}

func (q Query) matches(r Record) bool {
	if q.Tool != "" && r.Tool != q.Tool {
		return false
	}
	if q.GoalID != "" && r.GoalID != q.GoalID {
		return false
	}
	if !q.Since.IsZero() && r.Time.Before(q.Since) {
		return false
	}
	if q.FailuresOnly && r.Success {
		return false
	}
	return true
}

// Read returns matching records oldest first. Lines that no longer
// parse are counted and skipped rather than failing the whole read.
func (l *Log) Read(q Query) ([]Record, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var (
		out     []Record
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		if q.matches(rec) {
			out = append(out, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	if skipped > 0 {
		l.logger.Warn(context.Background(), "skipped unparseable audit lines",
			zap.Int("lines", skipped),
			zap.String("path", l.path))
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// Tail returns the newest n records, oldest first.
func (l *Log) Tail(n int) ([]Record, error) {
	return l.Read(Query{Limit: n})
}

// ToolSummary aggregates one tool's trail.
type ToolSummary struct {
	Calls          int     `json:"calls"`
	Failures       int     `json:"failures"`
	Transient      int     `json:"transient"`
	Permanent      int     `json:"permanent"`
	MeanDurationMS float64 `json:"mean_duration_ms"`
}

// Summary aggregates the whole trail per tool.
type Summary struct {
	Total int                    `json:"total"`
	Tools map[string]ToolSummary `json:"tools"`
}

// Summarize folds the whole trail into per-tool call, failure and
// latency aggregates.
func (l *Log) Summarize() (Summary, error) {
	records, err := l.Read(Query{})
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Tools: make(map[string]ToolSummary)}
	durations := make(map[string]int64)
	for _, rec := range records {
		s := sum.Tools[rec.Tool]
		s.Calls++
		if !rec.Success {
			s.Failures++
		}
		switch rec.ErrorKind {
		case KindTransient:
			s.Transient++
		case KindPermanent:
			s.Permanent++
		}
		durations[rec.Tool] += rec.DurationMS
		sum.Tools[rec.Tool] = s
		sum.Total++
	}
	for tool, s := range sum.Tools {
		if s.Calls > 0 {
			s.MeanDurationMS = float64(durations[tool]) / float64(s.Calls)
		}
		sum.Tools[tool] = s
	}
	return sum, nil
}
