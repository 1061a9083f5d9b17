package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/logging"
)

// Runtime is one incarnation of the engine: every component built
// fresh from configuration and the persisted stores. Run blocks until
// shutdown, restart, or a fatal failure; Close releases whatever Run
// left open.
type Runtime interface {
	Run(ctx context.Context) error
	Close() error
}

// BuildFunc constructs a runtime. It must derive all state from the
// persisted stores, never from a previous incarnation, which is what
// makes a restart equivalent to a crash plus recovery.
type BuildFunc func(ctx context.Context) (Runtime, error)

// Supervisor owns the build/run/teardown cycle around the engine. A
// restart request tears the runtime down and builds a new one; any
// other failure, a persistence abort above all, stops the cycle with
// the error intact.
type Supervisor struct {
	build  BuildFunc
	logger *logging.Logger
}

// NewSupervisor wires the supervisor.
func NewSupervisor(build BuildFunc, logger *logging.Logger) (*Supervisor, error) {
	if build == nil {
		return nil, errors.New("build func required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{build: build, logger: logger}, nil
}

// Run cycles runtimes until the context ends or one fails for a
// reason other than a restart request. Context cancellation is the
// orderly shutdown path and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	for generation := 1; ; generation++ {
		if ctx.Err() != nil {
			return nil
		}

		rt, err := s.build(ctx)
		if err != nil {
			return fmt.Errorf("build runtime: %w", err)
		}
		s.logger.Info(ctx, "engine runtime started", zap.Int("generation", generation))

		runErr := rt.Run(ctx)
		if cerr := rt.Close(); cerr != nil {
			s.logger.Warn(ctx, "runtime teardown failed", zap.Error(cerr))
		}

		switch {
		case errors.Is(runErr, ErrRestartRequested):
			RestartsTotal.Inc()
			s.logger.Info(ctx, "rebuilding engine from persisted state",
				zap.Int("generation", generation))
		case runErr == nil, errors.Is(runErr, context.Canceled):
			s.logger.Info(ctx, "engine stopped")
			return nil
		default:
			s.logger.Error(ctx, "engine aborted", zap.Error(runErr))
			return runErr
		}
	}
}
