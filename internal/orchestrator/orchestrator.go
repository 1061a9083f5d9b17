// Package orchestrator runs the engine's single control loop. Each
// beat selects the highest-priority active goal (promoting a proposed
// one when none is active), derives the next action from its subtask
// and gate state, and executes at most one external mutation before
// the next beat. Failures steer the goal purely through the
// transient/permanent taxonomy, and a restart request is honored only
// between beats, when nothing external is in flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/config"
	"github.com/quarrylabs/conveyor/internal/events"
	"github.com/quarrylabs/conveyor/internal/gate"
	"github.com/quarrylabs/conveyor/internal/goals"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// ErrRestartRequested is how Run reports an operator restart to the
// supervisor. The loop returns it instead of exiting in place, so the
// teardown and rebuild happen in one spot.
var ErrRestartRequested = errors.New("restart requested")

// mergeProbeBeats spaces the PR-state probe in during pre-green
// phases, so a pull request closed or merged outside the engine is
// noticed even while CI never settles.
const mergeProbeBeats = 4

// GateDriver is the slice of the gate the loop drives. Satisfied by
// *gate.Gate.
type GateDriver interface {
	CreateBranchAndPR(ctx context.Context, goal *goals.Goal) (*goals.Goal, error)
	PollCI(ctx context.Context, goal *goals.Goal) (*goals.Goal, error)
	PollMerge(ctx context.Context, goal *goals.Goal) (*goals.Goal, error)
	NextPoll(goalID string) time.Time
	Forget(goalID string)
}

// GoalStore is the slice of the goal registry the loop reads and
// writes. Satisfied by *goals.Store.
type GoalStore interface {
	List(f goals.Filter) []*goals.Goal
	Activate(ctx context.Context, id string) (*goals.Goal, error)
	UpdateStatus(ctx context.Context, id string, to goals.Status, reason string) (*goals.Goal, error)
	AdvanceSubtask(ctx context.Context, id string) (*goals.Goal, error)
	SetGate(ctx context.Context, id string, u goals.GateUpdate) (*goals.Goal, error)
}

// Config is the immutable loop configuration.
type Config struct {
	IdlePoll            time.Duration
	PermanentFailureMax int
}

// FromAppConfig converts the application config section.
func FromAppConfig(app config.OrchestratorConfig) Config {
	return Config{
		IdlePoll:            app.IdlePoll.Duration(),
		PermanentFailureMax: app.PermanentFailureMax,
	}
}

func (c *Config) applyDefaults() {
	if c.IdlePoll <= 0 {
		c.IdlePoll = 30 * time.Second
	}
	if c.PermanentFailureMax < 1 {
		c.PermanentFailureMax = 3
	}
}

// Orchestrator is the selection loop.
type Orchestrator struct {
	store  GoalStore
	gate   GateDriver
	bus    *events.Bus
	cfg    Config
	logger *logging.Logger

	restart atomic.Bool
	wake    chan struct{}
	beats   map[string]int
}

// New wires the loop. The bus may be nil.
func New(store GoalStore, driver GateDriver, bus *events.Bus, cfg Config, logger *logging.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("goal store required")
	}
	if driver == nil {
		return nil, errors.New("gate driver required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.applyDefaults()
	return &Orchestrator{
		store:  store,
		gate:   driver,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
		beats:  make(map[string]int),
	}, nil
}

// RequestRestart asks the loop to stop at its next safe boundary. The
// supervisor rebuilds everything from persisted state afterwards.
func (o *Orchestrator) RequestRestart() {
	if !o.restart.CompareAndSwap(false, true) {
		return
	}
	if err := o.bus.Publish(events.Event{Type: events.TypeRestartRequested}); err != nil {
		o.logger.Warn(context.Background(), "restart event publish failed", zap.Error(err))
	}
	o.logger.Info(context.Background(), "restart requested, stopping at next beat boundary")
	o.Wake()
}

// Wake cuts the current inter-beat sleep short. Admin mutations call
// it so a freshly created or resumed goal is picked up promptly.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run drives beats until the context ends, a restart is requested, or
// persistence fails. Restart and the persistence abort are returned as
// distinguishable errors; everything else paces and continues.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info(ctx, "orchestrator started",
		zap.Duration("idle_poll", o.cfg.IdlePoll),
		zap.Int("permanent_failure_max", o.cfg.PermanentFailureMax))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.restart.Load() {
			return ErrRestartRequested
		}

		wait, err := o.step(ctx)
		if err != nil {
			if fatalPersistence(err) {
				o.logger.Error(ctx, "goal persistence failed, aborting loop", zap.Error(err))
				return fmt.Errorf("orchestrator abort: %w", err)
			}
			IterationsTotal.WithLabelValues("error").Inc()
			o.logger.Error(ctx, "beat failed", zap.Error(err))
			wait = o.cfg.IdlePoll
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-o.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// step runs one beat: select a goal and act on it. The returned wait
// is how long the loop may sleep before the next beat; zero means more
// work is immediately available.
func (o *Orchestrator) step(ctx context.Context) (time.Duration, error) {
	goal, err := o.pick(ctx)
	if err != nil {
		return 0, err
	}
	if goal == nil {
		IterationsTotal.WithLabelValues("idle").Inc()
		return o.cfg.IdlePoll, nil
	}
	wait, err := o.act(ctx, goal)
	if err != nil {
		if stale(err) {
			// The goal changed under us through the admin surface;
			// the next beat re-selects.
			o.logger.Debug(ctx, "goal changed during beat",
				zap.String("goal_id", goal.ID),
				zap.Error(err))
			return 0, nil
		}
		return wait, err
	}
	IterationsTotal.WithLabelValues("acted").Inc()
	return wait, nil
}

// pick returns the goal this beat works on: the highest-priority
// active goal, else the highest-priority proposed one, promoted.
func (o *Orchestrator) pick(ctx context.Context) (*goals.Goal, error) {
	if active := o.store.List(goals.Filter{Statuses: []goals.Status{goals.StatusActive}}); len(active) > 0 {
		return active[0], nil
	}
	proposed := o.store.List(goals.Filter{Statuses: []goals.Status{goals.StatusProposed}})
	if len(proposed) == 0 {
		return nil, nil
	}
	promoted, err := o.store.Activate(ctx, proposed[0].ID)
	if err != nil {
		if stale(err) {
			return nil, nil
		}
		return nil, err
	}
	PromotionsTotal.Inc()
	o.publishStatus(ctx, promoted, goals.StatusProposed, "")
	o.logger.Info(ctx, "goal promoted",
		zap.String("goal_id", promoted.ID),
		zap.String("title", promoted.Title),
		zap.Int("priority", promoted.Priority))
	return promoted, nil
}

// act derives and executes the next action for the chosen goal.
func (o *Orchestrator) act(ctx context.Context, goal *goals.Goal) (time.Duration, error) {
	switch goal.Gate {
	case goals.GateNoBranch, goals.GateBranchCreated:
		if _, err := o.gate.CreateBranchAndPR(ctx, goal); err != nil {
			return o.absorb(ctx, goal, err)
		}
		return 0, nil

	case goals.GatePROpen, goals.GateCIPending, goals.GateCIGreen, goals.GateCIRed:
		if !goal.SubtasksResolved() {
			if _, err := o.store.AdvanceSubtask(ctx, goal.ID); err != nil && !errors.Is(err, goals.ErrNoPendingSubtasks) {
				return 0, err
			}
			// Keep draining bookkeeping; polls interleave when due.
			if o.pollDue(goal) {
				if _, err := o.poll(ctx, goal); err != nil {
					return o.absorb(ctx, goal, err)
				}
			}
			return 0, nil
		}
		if !o.pollDue(goal) {
			return o.waitFor(goal), nil
		}
		updated, err := o.poll(ctx, goal)
		if err != nil {
			return o.absorb(ctx, goal, err)
		}
		return o.waitFor(updated), nil

	case goals.GateMerged:
		if !goal.SubtasksResolved() {
			if _, err := o.store.AdvanceSubtask(ctx, goal.ID); err != nil && !errors.Is(err, goals.ErrNoPendingSubtasks) {
				return 0, err
			}
			return 0, nil
		}
		completed, err := o.store.UpdateStatus(ctx, goal.ID, goals.StatusCompleted, "")
		if err != nil {
			return 0, err
		}
		CompletionsTotal.Inc()
		o.gate.Forget(goal.ID)
		delete(o.beats, goal.ID)
		o.publishStatus(ctx, completed, goals.StatusActive, "")
		o.logger.Info(ctx, "goal completed",
			zap.String("goal_id", goal.ID),
			zap.String("title", goal.Title))
		return 0, nil

	default:
		// An active goal with a closed gate has nowhere to go; park it
		// for the operator.
		blocked, err := o.store.UpdateStatus(ctx, goal.ID, goals.StatusBlocked, "gate closed, nothing left to drive")
		if err != nil {
			return 0, err
		}
		o.gate.Forget(goal.ID)
		o.publishStatus(ctx, blocked, goals.StatusActive, blocked.BlockedReason)
		return 0, nil
	}
}

// poll asks the surface whose answer is outstanding: PR state once CI
// is green, the CI verdict before that, with a periodic PR-state probe
// mixed in so external merges or closures surface during long waits.
func (o *Orchestrator) poll(ctx context.Context, goal *goals.Goal) (*goals.Goal, error) {
	if goal.Gate == goals.GateCIGreen {
		return o.gate.PollMerge(ctx, goal)
	}
	o.beats[goal.ID]++
	if o.beats[goal.ID]%mergeProbeBeats == 0 {
		return o.gate.PollMerge(ctx, goal)
	}
	return o.gate.PollCI(ctx, goal)
}

func (o *Orchestrator) pollDue(goal *goals.Goal) bool {
	next := o.gate.NextPoll(goal.ID)
	return next.IsZero() || !next.After(time.Now())
}

// waitFor sleeps the loop until the goal's next poll, bounded by the
// idle interval so admin work never waits behind a long backoff.
func (o *Orchestrator) waitFor(goal *goals.Goal) time.Duration {
	if goal == nil || !goal.Status.Open() {
		return 0
	}
	next := o.gate.NextPoll(goal.ID)
	if next.IsZero() {
		return 0
	}
	wait := time.Until(next)
	if wait < 0 {
		return 0
	}
	if wait > o.cfg.IdlePoll {
		return o.cfg.IdlePoll
	}
	return wait
}

// absorb folds an external failure into the goal per the taxonomy:
// transient failures pace and retry, permanent ones consume the
// durable budget and block the goal once it runs out. Errors that are
// not external at all (wiring, resolution) surface to the beat.
func (o *Orchestrator) absorb(ctx context.Context, goal *goals.Goal, err error) (time.Duration, error) {
	if stale(err) {
		return 0, err
	}
	var ext *tools.ExternalError
	if !errors.As(err, &ext) {
		return 0, err
	}
	if ext.Kind == tools.KindTransient {
		o.logger.Warn(ctx, "transient tool failure, will retry",
			zap.String("goal_id", goal.ID),
			zap.String("tool", string(ext.Tool)),
			zap.String("op", string(ext.Op)),
			zap.Error(ext.Err))
		return o.waitOrIdle(goal), nil
	}

	count := goal.PermanentFailures + 1
	updated, serr := o.store.SetGate(ctx, goal.ID, goals.GateUpdate{PermanentFailures: &count})
	if serr != nil {
		return 0, serr
	}
	PermanentFailuresTotal.Inc()
	o.logger.Warn(ctx, "permanent tool failure",
		zap.String("goal_id", goal.ID),
		zap.String("tool", string(ext.Tool)),
		zap.String("op", string(ext.Op)),
		zap.Int("count", count),
		zap.Int("budget", o.cfg.PermanentFailureMax),
		zap.Error(ext.Err))
	if count <= o.cfg.PermanentFailureMax {
		return o.waitOrIdle(updated), nil
	}

	reason := fmt.Sprintf("%d permanent tool failures, budget %d exhausted: %s: %v",
		count, o.cfg.PermanentFailureMax, ext.Op, ext.Err)
	blocked, serr := o.store.UpdateStatus(ctx, goal.ID, goals.StatusBlocked, reason)
	if serr != nil {
		return 0, serr
	}
	PermanentBlocksTotal.Inc()
	o.gate.Forget(goal.ID)
	delete(o.beats, goal.ID)
	o.publishStatus(ctx, blocked, goals.StatusActive, reason)
	o.logger.Error(ctx, "goal blocked on permanent failures",
		zap.String("goal_id", goal.ID),
		zap.String("reason", reason))
	return 0, nil
}

func (o *Orchestrator) waitOrIdle(goal *goals.Goal) time.Duration {
	if w := o.waitFor(goal); w > 0 {
		return w
	}
	return o.cfg.IdlePoll
}

func (o *Orchestrator) publishStatus(ctx context.Context, goal *goals.Goal, from goals.Status, reason string) {
	if err := o.bus.Publish(events.Event{
		Type:   events.TypeStatusChanged,
		GoalID: goal.ID,
		From:   string(from),
		To:     string(goal.Status),
		Reason: reason,
	}); err != nil {
		o.logger.Warn(ctx, "status event publish failed",
			zap.String("goal_id", goal.ID),
			zap.Error(err))
	}
}

// stale reports errors that mean the goal moved on while this beat
// held a copy of it, through the admin surface or a finished gate.
// The beat drops its work and the next selection sees fresh state.
func stale(err error) bool {
	return errors.Is(err, goals.ErrGoalNotFound) ||
		errors.Is(err, goals.ErrNotActive) ||
		errors.Is(err, goals.ErrInvalidTransition) ||
		errors.Is(err, gate.ErrGateFinished) ||
		errors.Is(err, gate.ErrNoPullRequest)
}

// fatalPersistence reports the failures the loop must not continue
// past: the goal file is unwritable or no longer trustworthy.
func fatalPersistence(err error) bool {
	return errors.Is(err, goals.ErrPersist) || errors.Is(err, goals.ErrStateCorruption)
}
