// Package scanner turns external health signals into proposed goals.
// Each pass consults every registered health-signal source through the
// invoker (labeled open issues, lint findings, recent CI failures) and
// writes proposals keyed by signal identity, so scanning the same
// signals twice creates each goal exactly once. Passes run on a cron
// schedule and on operator demand.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/config"
	"github.com/quarrylabs/conveyor/internal/events"
	"github.com/quarrylabs/conveyor/internal/goals"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Priority tiers for proposed goals. Labels outrank signal kind, so a
// security-labeled lint finding files above an ordinary bug report.
const (
	PrioritySecurity  = 90
	PriorityBug       = 70
	PriorityCIFailure = 60
	PriorityDefault   = 50
	PriorityLint      = 40
)

// Caller is the invocation boundary. Satisfied by *tools.Invoker.
type Caller interface {
	Invoke(ctx context.Context, id tools.ToolID, op tools.Op, args tools.Args) (tools.Result, error)
}

// Sources lists the registered health-signal tools per sub-kind.
// Satisfied by *tools.Registry. Unlike gate actions, a scan consults
// every source rather than picking one.
type Sources interface {
	IssueSources() []tools.ToolID
	LintSources() []tools.ToolID
	CIFailureSources() []tools.ToolID
}

// GoalStore is the slice of the goal registry the scanner proposes
// through. Satisfied by *goals.Store.
type GoalStore interface {
	Create(ctx context.Context, p goals.CreateParams) (*goals.Goal, error)
}

// Config is the immutable scanner configuration.
type Config struct {
	Schedule    string
	IssueLabels []string
}

// FromAppConfig converts the application config section.
func FromAppConfig(app config.ScannerConfig) Config {
	return Config{
		Schedule:    app.Schedule,
		IssueLabels: app.IssueLabels,
	}
}

func (c *Config) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "*/15 * * * *"
	}
	if len(c.IssueLabels) == 0 {
		c.IssueLabels = []string{"bug", "security"}
	}
}

// Report tallies one scan pass.
type Report struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Signals  int           `json:"signals"`
	Created  int           `json:"created"`
	Skipped  int           `json:"skipped"`
	Errors   int           `json:"errors"`
}

// Scanner proposes goals from health signals. One pass runs at a time;
// an on-demand request that arrives mid-pass coalesces into the next.
type Scanner struct {
	caller  Caller
	sources Sources
	store   GoalStore
	bus     *events.Bus
	cfg     Config
	sched   cronlib.Schedule
	logger  *logging.Logger

	mu   sync.Mutex
	kick chan struct{}
}

// New wires the scanner and parses the schedule. The bus may be nil.
func New(caller Caller, sources Sources, store GoalStore, bus *events.Bus, cfg Config, logger *logging.Logger) (*Scanner, error) {
	if caller == nil {
		return nil, errors.New("caller required")
	}
	if sources == nil {
		return nil, errors.New("signal sources required")
	}
	if store == nil {
		return nil, errors.New("goal store required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.applyDefaults()
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse scan schedule %q: %w", cfg.Schedule, err)
	}
	return &Scanner{
		caller:  caller,
		sources: sources,
		store:   store,
		bus:     bus,
		cfg:     cfg,
		sched:   sched,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}, nil
}

// Next returns the first scheduled fire strictly after the given time.
func (s *Scanner) Next(after time.Time) time.Time {
	return s.sched.Next(after)
}

// ScanNow requests an out-of-schedule pass. It never blocks; requests
// arriving while one is already queued coalesce.
func (s *Scanner) ScanNow() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives scheduled and on-demand passes until the context ends.
// A failed pass is logged and the loop keeps going; the schedule is
// recomputed after every pass so a long scan never causes a pile-up.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info(ctx, "health scanner started",
		zap.String("schedule", s.cfg.Schedule),
		zap.Strings("issue_labels", s.cfg.IssueLabels))
	timer := time.NewTimer(time.Until(s.Next(time.Now())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if _, err := s.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error(ctx, "scan pass failed", zap.Error(err))
		}
		timer.Reset(time.Until(s.Next(time.Now())))
	}
}

// Scan runs one full pass: gather signals from every source, propose a
// goal per signal, and publish the tallies. Source failures are logged
// and skipped so one flaky source cannot starve the others; a goal
// store failure aborts the pass, since proposing against a registry
// that cannot persist is pointless.
func (s *Scanner) Scan(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := Report{Started: time.Now()}
	signals := s.gather(ctx, &rep)
	rep.Signals = len(signals)

	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		created, err := s.propose(ctx, sig)
		switch {
		case err != nil:
			rep.Errors++
			rep.Duration = time.Since(rep.Started)
			return rep, fmt.Errorf("propose goal for %s: %w", sig.ID, err)
		case created:
			rep.Created++
		default:
			rep.Skipped++
			DuplicatesTotal.Inc()
		}
	}

	rep.Duration = time.Since(rep.Started)
	ScansTotal.Inc()
	s.publishScan(ctx, rep)
	s.logger.Info(ctx, "scan pass complete",
		zap.Int("signals", rep.Signals),
		zap.Int("created", rep.Created),
		zap.Int("skipped", rep.Skipped),
		zap.Int("errors", rep.Errors),
		zap.Duration("elapsed", rep.Duration))
	return rep, nil
}

// gather collects signals from every registered source in a stable
// order: issues, then lint, then CI failures, each source in id order.
func (s *Scanner) gather(ctx context.Context, rep *Report) []tools.Signal {
	var out []tools.Signal
	for _, id := range s.sources.IssueSources() {
		out = s.collect(ctx, rep, out, id, tools.OpListIssues, tools.Args{Labels: s.cfg.IssueLabels})
	}
	for _, id := range s.sources.LintSources() {
		out = s.collect(ctx, rep, out, id, tools.OpListLintViolations, tools.Args{})
	}
	for _, id := range s.sources.CIFailureSources() {
		out = s.collect(ctx, rep, out, id, tools.OpRecentCIFailures, tools.Args{})
	}
	return out
}

func (s *Scanner) collect(ctx context.Context, rep *Report, acc []tools.Signal, id tools.ToolID, op tools.Op, args tools.Args) []tools.Signal {
	if ctx.Err() != nil {
		return acc
	}
	res, err := s.caller.Invoke(ctx, id, op, args)
	if err != nil {
		rep.Errors++
		SourceErrorsTotal.WithLabelValues(string(id)).Inc()
		s.logger.Warn(ctx, "signal source failed",
			zap.String("tool", string(id)),
			zap.String("op", string(op)),
			zap.Error(err))
		return acc
	}
	for _, sig := range res.Signals {
		SignalsTotal.WithLabelValues(string(sig.Kind)).Inc()
	}
	return append(acc, res.Signals...)
}

// propose writes one goal for a signal. An open goal under the same
// idempotency key makes this a no-op.
func (s *Scanner) propose(ctx context.Context, sig tools.Signal) (bool, error) {
	goal, err := s.store.Create(ctx, goals.CreateParams{
		Title:          sig.Title,
		Source:         goals.SourceHealthScan,
		Priority:       Priority(sig),
		IdempotencyKey: sig.ID,
		Subtasks:       planFor(sig),
	})
	if errors.Is(err, goals.ErrDuplicateGoal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	GoalsCreatedTotal.WithLabelValues(string(sig.Kind)).Inc()
	s.publishCreated(ctx, goal)
	s.logger.Info(ctx, "goal proposed from signal",
		zap.String("goal_id", goal.ID),
		zap.String("signal", sig.ID),
		zap.Int("priority", goal.Priority))
	return true, nil
}

// Priority maps a signal to its selection tier. Labels win over kind.
func Priority(sig tools.Signal) int {
	if hasLabel(sig, "security") {
		return PrioritySecurity
	}
	if hasLabel(sig, "bug") {
		return PriorityBug
	}
	switch sig.Kind {
	case tools.SignalCIFailure:
		return PriorityCIFailure
	case tools.SignalLint:
		return PriorityLint
	}
	return PriorityDefault
}

func hasLabel(sig tools.Signal, label string) bool {
	for _, l := range sig.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// planFor derives the ordered subtasks a proposal starts with. The
// orchestrator advances these as bookkeeping; the detail field rides
// in the first step so the worker sees what the scan saw.
func planFor(sig tools.Signal) []string {
	investigate := "investigate the report"
	switch sig.Kind {
	case tools.SignalLint:
		investigate = "confirm the finding and rotate any exposed credential"
	case tools.SignalCIFailure:
		investigate = "inspect the failing workflow runs"
	}
	if sig.Detail != "" {
		investigate += ": " + sig.Detail
	}
	return []string{
		investigate,
		"implement a fix",
		"verify the fix against the original signal",
	}
}

func (s *Scanner) publishScan(ctx context.Context, rep Report) {
	if err := s.bus.Publish(events.Event{
		Type:    events.TypeScanCompleted,
		Signals: rep.Signals,
		Created: rep.Created,
	}); err != nil {
		s.logger.Warn(ctx, "scan event publish failed", zap.Error(err))
	}
}

func (s *Scanner) publishCreated(ctx context.Context, goal *goals.Goal) {
	if err := s.bus.Publish(events.Event{
		Type:   events.TypeGoalCreated,
		GoalID: goal.ID,
		Title:  goal.Title,
		Source: string(goal.Source),
	}); err != nil {
		s.logger.Warn(ctx, "goal event publish failed",
			zap.String("goal_id", goal.ID),
			zap.Error(err))
	}
}
