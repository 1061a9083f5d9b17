package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarrylabs/conveyor/internal/audit"
	"github.com/quarrylabs/conveyor/internal/config"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/telemetry"
)

// neutralHelpfulness is recorded when the caller does not rate the
// outcome.
const neutralHelpfulness = 0.5

// ReliabilityRecorder receives every invocation outcome. Satisfied by
// *ledger.Ledger.
type ReliabilityRecorder interface {
	RecordInvocation(ctx context.Context, tool, category string, success bool, helpfulness float64, note string) error
}

// AuditAppender receives the audit trail. Satisfied by *audit.Log.
type AuditAppender interface {
	Append(ctx context.Context, rec audit.Record) error
}

// Config bounds invocations. A zero Timeout falls back to 30 seconds;
// RateLimit <= 0 disables client-side rate limiting.
type Config struct {
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// FromAppConfig converts the application config section.
func FromAppConfig(app config.InvokerConfig) Config {
	return Config{
		Timeout:   app.Timeout.Duration(),
		RateLimit: app.RateLimit,
		RateBurst: app.RateBurst,
	}
}

// Invoker is the uniform entry point for every external call. It
// enforces the timeout and rate limit, classifies failures into the
// transient/permanent taxonomy, records outcomes to the reliability
// ledger, and appends the audit trail.
type Invoker struct {
	registry *Registry
	recorder ReliabilityRecorder
	auditor  AuditAppender
	logger   *logging.Logger
	tracer   trace.Tracer
	limiter  *rate.Limiter
	timeout  time.Duration
}

// NewInvoker wires the boundary together. All collaborators are
// required; construction is the only place wiring errors can appear.
func NewInvoker(reg *Registry, rec ReliabilityRecorder, aud AuditAppender, cfg Config, logger *logging.Logger, tel *telemetry.Telemetry) (*Invoker, error) {
	if reg == nil {
		return nil, errors.New("registry required")
	}
	if rec == nil {
		return nil, errors.New("reliability recorder required")
	}
	if aud == nil {
		return nil, errors.New("audit appender required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Invoker{
		registry: reg,
		recorder: rec,
		auditor:  aud,
		logger:   logger,
		tracer:   tel.Tracer("conveyor/tools"),
		limiter:  limiter,
		timeout:  timeout,
	}, nil
}

// Registry exposes the resolver, mainly so callers can enumerate
// ranking candidates.
func (v *Invoker) Registry() *Registry {
	return v.registry
}

// Invoke runs one operation against one tool. Success is the absence
// of error; every failure that reached the tool comes back as an
// *ExternalError and is folded into the ledger and audit trail.
// Resolution problems (unknown op, unregistered tool, missing args)
// are plain errors: the tool never ran, so nothing is recorded.
func (v *Invoker) Invoke(ctx context.Context, id ToolID, op Op, args Args) (Result, error) {
	category, ok := opCategories[op]
	if !ok {
		return Result{}, fmt.Errorf("unknown operation %q", op)
	}
	call, err := v.resolve(id, op, args)
	if err != nil {
		return Result{}, err
	}

	ctx, span := v.tracer.Start(ctx, "tools."+string(op),
		trace.WithAttributes(
			attribute.String("tool.id", string(id)),
			attribute.String("tool.category", string(category)),
			attribute.String("goal.id", args.GoalID),
		))
	defer span.End()

	// Waiting on the limiter precedes the external call, so a context
	// cut short here did not reach the tool and is not recorded.
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			span.SetStatus(codes.Error, "rate limit wait")
			return Result{}, &ExternalError{Tool: id, Op: op, Kind: KindTransient, Err: err}
		}
	}

	cctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	start := time.Now()
	res, callErr := call(cctx)
	elapsed := time.Since(start)
	res.Duration = elapsed.Milliseconds()

	helpfulness := neutralHelpfulness
	if args.Helpfulness != nil {
		helpfulness = *args.Helpfulness
	}

	var extErr *ExternalError
	if callErr != nil {
		extErr = &ExternalError{Tool: id, Op: op, Kind: Classify(callErr), Err: callErr}
	}
	v.record(ctx, id, category, op, args.GoalID, extErr, elapsed, helpfulness)

	if extErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, string(extErr.Kind))
		InvocationsTotal.WithLabelValues(string(id), string(op), "failure").Inc()
		InvokeDuration.WithLabelValues(string(id), string(op)).Observe(elapsed.Seconds())
		return res, extErr
	}
	span.SetStatus(codes.Ok, "")
	InvocationsTotal.WithLabelValues(string(id), string(op), "success").Inc()
	InvokeDuration.WithLabelValues(string(id), string(op)).Observe(elapsed.Seconds())
	return res, nil
}

// record folds the outcome into the ledger and audit trail. Either
// write failing must not change the call's result: the external
// action already happened. Failures are logged and counted instead.
func (v *Invoker) record(ctx context.Context, id ToolID, category Category, op Op, goalID string, extErr *ExternalError, elapsed time.Duration, helpfulness float64) {
	note := ""
	if extErr != nil && extErr.Kind == KindPermanent {
		note = fmt.Sprintf("%s: %s", op, truncate(extErr.Err.Error(), 120))
	}
	if err := v.recorder.RecordInvocation(ctx, string(id), string(category), extErr == nil, helpfulness, note); err != nil {
		PersistFailuresTotal.Inc()
		v.logger.Error(ctx, "reliability recording failed",
			zap.String("tool", string(id)),
			zap.Error(err))
	}

	rec := audit.Record{
		Tool:        string(id),
		Category:    string(category),
		GoalID:      goalID,
		Success:     extErr == nil,
		DurationMS:  elapsed.Milliseconds(),
		Helpfulness: helpfulness,
	}
	if extErr != nil {
		rec.ErrorKind = string(extErr.Kind)
		rec.Error = truncate(extErr.Err.Error(), 500)
	}
	if err := v.auditor.Append(ctx, rec); err != nil {
		PersistFailuresTotal.Inc()
		v.logger.Error(ctx, "audit append failed",
			zap.String("tool", string(id)),
			zap.Error(err))
	}
}

// resolve binds the op to the adapter method, validating arguments
// before anything external happens.
func (v *Invoker) resolve(id ToolID, op Op, args Args) (func(context.Context) (Result, error), error) {
	switch op {
	case OpCreateBranch:
		sc, err := v.registry.SourceControl(id)
		if err != nil {
			return nil, err
		}
		if args.Name == "" {
			return nil, errors.New("create_branch needs a branch name")
		}
		return func(ctx context.Context) (Result, error) {
			return Result{}, sc.CreateBranch(ctx, args.Name)
		}, nil

	case OpCommitAndPush:
		sc, err := v.registry.SourceControl(id)
		if err != nil {
			return nil, err
		}
		if args.Branch == "" {
			return nil, errors.New("commit_and_push needs a branch")
		}
		return func(ctx context.Context) (Result, error) {
			return Result{}, sc.CommitAndPush(ctx, args.Branch, args.Message, args.Paths)
		}, nil

	case OpOpenPR:
		h, err := v.registry.Hosting(id)
		if err != nil {
			return nil, err
		}
		if args.Branch == "" || args.Title == "" {
			return nil, errors.New("open_pr needs a branch and a title")
		}
		return func(ctx context.Context) (Result, error) {
			pr, err := h.OpenPR(ctx, args.Branch, args.Title, args.Body)
			return Result{PR: pr}, err
		}, nil

	case OpCheckPRStatus:
		h, err := v.registry.Hosting(id)
		if err != nil {
			return nil, err
		}
		if args.PR <= 0 {
			return nil, errors.New("check_pr_status needs a pr id")
		}
		return func(ctx context.Context) (Result, error) {
			st, err := h.CheckPRStatus(ctx, args.PR)
			return Result{PRState: st}, err
		}, nil

	case OpRequestMerge:
		h, err := v.registry.Hosting(id)
		if err != nil {
			return nil, err
		}
		if args.PR <= 0 {
			return nil, errors.New("request_merge needs a pr id")
		}
		return func(ctx context.Context) (Result, error) {
			return Result{}, h.RequestMerge(ctx, args.PR)
		}, nil

	case OpCheckCIStatus:
		ci, err := v.registry.CI(id)
		if err != nil {
			return nil, err
		}
		if args.Ref == "" {
			return nil, errors.New("check_ci_status needs a ref")
		}
		return func(ctx context.Context) (Result, error) {
			st, err := ci.CheckCIStatus(ctx, args.Ref)
			return Result{CI: st}, err
		}, nil

	case OpListIssues:
		src, err := v.registry.IssueSource(id)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (Result, error) {
			sigs, err := src.ListIssues(ctx, args.Labels)
			return Result{Signals: sigs}, err
		}, nil

	case OpListLintViolations:
		src, err := v.registry.LintSource(id)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (Result, error) {
			sigs, err := src.ListLintViolations(ctx)
			return Result{Signals: sigs}, err
		}, nil

	case OpRecentCIFailures:
		src, err := v.registry.CIFailureSource(id)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (Result, error) {
			sigs, err := src.RecentCIFailures(ctx)
			return Result{Signals: sigs}, err
		}, nil
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
