// Package gate drives the branch/PR/CI progression of one goal at a
// time. Every transition is persisted through the goal store before
// the next external action, so a crash between steps resumes from the
// last durable state instead of repeating or skipping one. Merge
// requests are debounced behind consecutive green polls, red verdicts
// consume a bounded retry budget, and pending polls back off
// exponentially per goal.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/config"
	"github.com/quarrylabs/conveyor/internal/events"
	"github.com/quarrylabs/conveyor/internal/goals"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/tools"
)

var (
	// ErrGateFinished rejects driving a gate that is merged or closed.
	ErrGateFinished = errors.New("gate already finished")

	// ErrNoPullRequest rejects polling a goal that has not reached
	// pr_open yet.
	ErrNoPullRequest = errors.New("gate has no pull request yet")
)

// Caller is the invocation boundary. Satisfied by *tools.Invoker.
type Caller interface {
	Invoke(ctx context.Context, id tools.ToolID, op tools.Op, args tools.Args) (tools.Result, error)
}

// Selector picks which registered tool serves a category for the next
// action. The orchestrator backs this with the reliability ranking.
type Selector interface {
	Pick(category tools.Category) (tools.ToolID, error)
}

// GoalStore is the slice of the goal registry the gate writes through.
// Satisfied by *goals.Store.
type GoalStore interface {
	SetGate(ctx context.Context, id string, u goals.GateUpdate) (*goals.Goal, error)
	UpdateStatus(ctx context.Context, id string, to goals.Status, reason string) (*goals.Goal, error)
}

// Config is the immutable gate configuration. It is copied at
// construction; flipping automerge requires a restart, which is what
// keeps one goal from being half-observed, half-merged.
type Config struct {
	Automerge       bool
	DebounceGreens  int
	CIRedMaxRetries int
	PollInitial     time.Duration
	PollMax         time.Duration
	PollMultiplier  float64
	BranchPrefix    string
}

// FromAppConfig converts the application config section.
func FromAppConfig(app config.GateConfig) Config {
	return Config{
		Automerge:       app.Automerge,
		DebounceGreens:  app.DebounceGreens,
		CIRedMaxRetries: app.CIRedMaxRetries,
		PollInitial:     app.PollInitial.Duration(),
		PollMax:         app.PollMax.Duration(),
		PollMultiplier:  app.PollMultiplier,
		BranchPrefix:    app.BranchPrefix,
	}
}

func (c *Config) applyDefaults() {
	if c.DebounceGreens < 1 {
		c.DebounceGreens = 2
	}
	if c.CIRedMaxRetries < 1 {
		c.CIRedMaxRetries = 3
	}
	if c.PollInitial <= 0 {
		c.PollInitial = 30 * time.Second
	}
	if c.PollMax < c.PollInitial {
		c.PollMax = 15 * time.Minute
	}
	if c.PollMultiplier <= 1 {
		c.PollMultiplier = 2.0
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "conveyor/"
	}
}

// pollState is the in-memory backoff for one goal. It deliberately
// does not survive a restart: a fresh process polls promptly.
type pollState struct {
	interval time.Duration
	next     time.Time
}

// Gate is the per-goal PR/CI state machine. One instance serves all
// goals; the per-goal state lives on the goal record, except the poll
// backoff which is advisory and in-memory.
type Gate struct {
	caller   Caller
	selector Selector
	store    GoalStore
	bus      *events.Bus
	cfg      Config
	logger   *logging.Logger

	mu    sync.Mutex
	waits map[string]*pollState
}

// New wires the gate. The bus may be nil.
func New(caller Caller, selector Selector, store GoalStore, bus *events.Bus, cfg Config, logger *logging.Logger) (*Gate, error) {
	if caller == nil {
		return nil, errors.New("caller required")
	}
	if selector == nil {
		return nil, errors.New("tool selector required")
	}
	if store == nil {
		return nil, errors.New("goal store required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.applyDefaults()
	return &Gate{
		caller:   caller,
		selector: selector,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		waits:    make(map[string]*pollState),
	}, nil
}

// Automerge reports the immutable automerge switch.
func (g *Gate) Automerge() bool {
	return g.cfg.Automerge
}

// NextPoll returns the earliest useful time for the next poll of a
// goal. The zero time means the goal has never been polled and is due
// immediately. Callers that poll earlier anyway only waste API budget.
func (g *Gate) NextPoll(goalID string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.waits[goalID]
	if !ok {
		return time.Time{}
	}
	return st.next
}

// Forget drops the backoff state of a goal that left the gate's care.
func (g *Gate) Forget(goalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.waits, goalID)
}

// schedule arms the next poll. A state change resets the interval to
// the initial value; an unchanged poll grows it toward the cap.
func (g *Gate) schedule(goalID string, changed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.waits[goalID]
	if !ok {
		st = &pollState{}
		g.waits[goalID] = st
	}
	if changed || st.interval <= 0 {
		st.interval = g.cfg.PollInitial
	} else {
		st.interval = time.Duration(float64(st.interval) * g.cfg.PollMultiplier)
		if st.interval > g.cfg.PollMax {
			st.interval = g.cfg.PollMax
		}
	}
	st.next = time.Now().Add(st.interval)
}

// rearm keeps the current interval after an errored poll. The failure
// taxonomy decides what happens to the goal; pacing stays put.
func (g *Gate) rearm(goalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.waits[goalID]
	if !ok {
		st = &pollState{interval: g.cfg.PollInitial}
		g.waits[goalID] = st
	}
	st.next = time.Now().Add(st.interval)
}

func (g *Gate) publishGate(ctx context.Context, goal *goals.Goal, from goals.GateState) {
	if err := g.bus.Publish(events.Event{
		Type:   events.TypeGateChanged,
		GoalID: goal.ID,
		From:   string(from),
		To:     string(goal.Gate),
		Branch: goal.Branch,
		PR:     goal.PRID,
	}); err != nil {
		g.logger.Warn(ctx, "gate event publish failed",
			zap.String("goal_id", goal.ID),
			zap.Error(err))
	}
}

func (g *Gate) publishStatus(ctx context.Context, goal *goals.Goal, from goals.Status, reason string) {
	if err := g.bus.Publish(events.Event{
		Type:   events.TypeStatusChanged,
		GoalID: goal.ID,
		From:   string(from),
		To:     string(goal.Status),
		Reason: reason,
	}); err != nil {
		g.logger.Warn(ctx, "status event publish failed",
			zap.String("goal_id", goal.ID),
			zap.Error(err))
	}
}

func ptr[T any](v T) *T {
	return &v
}

// branchName derives a stable branch for a goal: prefix, the first id
// segment, and a slug of the title. Stability matters because a
// crash-retried create_branch must produce the same name.
func branchName(prefix string, g *goals.Goal) string {
	short := g.ID
	if len(short) > 8 {
		short = short[:8]
	}
	slug := slugify(g.Title)
	if slug == "" {
		return prefix + short
	}
	return prefix + short + "-" + slug
}

const maxSlugLen = 40

func slugify(title string) string {
	var b strings.Builder
	dash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash {
				b.WriteByte('-')
				dash = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// prBody renders the subtask checklist for the pull request body.
func prBody(g *goals.Goal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change for goal %s (source: %s).\n", g.ID, g.Source)
	if len(g.Subtasks) > 0 {
		b.WriteString("\n")
		for _, st := range g.Subtasks {
			mark := " "
			if st.Status == goals.SubtaskDone || st.Status == goals.SubtaskSkipped {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, st.Description)
		}
	}
	return b.String()
}

func commitMessage(g *goals.Goal) string {
	return "conveyor: " + g.Title
}
