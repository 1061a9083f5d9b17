// Package http is the admin API. It is the only way to hand the
// engine work (goal creation), unblock it (resume, skip, abandon),
// and watch it (status, events, audit, metrics). The engine itself
// never depends on this package; everything here drives the same
// stores and surfaces the orchestrator uses.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/audit"
	"github.com/quarrylabs/conveyor/internal/config"
	"github.com/quarrylabs/conveyor/internal/events"
	"github.com/quarrylabs/conveyor/internal/goals"
	"github.com/quarrylabs/conveyor/internal/ledger"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/scanner"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// GoalStore is the slice of the goal registry the API reads and
// mutates. *goals.Store satisfies it.
type GoalStore interface {
	Create(ctx context.Context, p goals.CreateParams) (*goals.Goal, error)
	Get(id string) (*goals.Goal, error)
	List(f goals.Filter) []*goals.Goal
	Resume(ctx context.Context, id string) (*goals.Goal, error)
	Abandon(ctx context.Context, id string, reason string) (*goals.Goal, error)
	SkipSubtask(ctx context.Context, id string, index int, reason string) (*goals.Goal, error)
	Quarantined() ([]goals.QuarantineEntry, error)
}

// ScanRunner runs a synchronous health-scan pass on demand.
// *scanner.Scanner satisfies it.
type ScanRunner interface {
	Scan(ctx context.Context) (scanner.Report, error)
	Next(after time.Time) time.Time
}

// Engine is the orchestrator surface the API pokes. *orchestrator.
// Orchestrator satisfies it.
type Engine interface {
	RequestRestart()
	Wake()
}

// Reliability is the ledger surface exposed to operators.
// *ledger.Ledger satisfies it.
type Reliability interface {
	Entries() []ledger.Entry
	RankedTools(category string, candidates []string) []ledger.Ranking
	Reset(ctx context.Context, tool string) error
}

// AuditTrail reads the invocation trail. *audit.Log satisfies it.
type AuditTrail interface {
	Read(q audit.Query) ([]audit.Record, error)
	Summarize() (audit.Summary, error)
}

// Catalog lists the registered tools per category. *tools.Registry
// satisfies it.
type Catalog interface {
	Candidates(c tools.Category) []tools.ToolID
}

// Config holds the admin server's listen settings. Version is the
// build version reported by GET /api/v1/status.
type Config struct {
	Host    string
	Port    int
	Version string
}

// FromAppConfig maps the loaded configuration onto server settings.
func FromAppConfig(app config.ServerConfig) Config {
	return Config{Host: app.Host, Port: app.Port}
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 9310
	}
}

// Deps are the engine surfaces the server exposes. Store, Engine and
// Ledger are required. Scanner, Audit, Catalog and Bus may be nil;
// the corresponding endpoints answer 503.
type Deps struct {
	Store   GoalStore
	Engine  Engine
	Ledger  Reliability
	Scanner ScanRunner
	Audit   AuditTrail
	Catalog Catalog
	Bus     *events.Bus
}

// Server is the admin HTTP server.
type Server struct {
	echo    *echo.Echo
	cfg     Config
	logger  *logging.Logger
	store   GoalStore
	engine  Engine
	ledger  Reliability
	scanner ScanRunner
	audit   AuditTrail
	catalog Catalog
	bus     *events.Bus
	started time.Time
}

// NewServer wires the admin API over the engine's surfaces.
func NewServer(deps Deps, cfg Config, logger *logging.Logger) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("goal store is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("reliability ledger is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	cfg.applyDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Handlers log through the context, so the request id
			// assigned above rides along on every line.
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), rid)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			duration := time.Since(start)
			status := c.Response().Status

			RequestsTotal.WithLabelValues(c.Request().Method, c.Path(), fmt.Sprint(status)).Inc()
			RequestDuration.WithLabelValues(c.Request().Method, c.Path()).Observe(duration.Seconds())

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", status),
				zap.Duration("duration", duration))
			return err
		}
	})

	s := &Server{
		echo:    e,
		cfg:     cfg,
		logger:  logger,
		store:   deps.Store,
		engine:  deps.Engine,
		ledger:  deps.Ledger,
		scanner: deps.Scanner,
		audit:   deps.Audit,
		catalog: deps.Catalog,
		bus:     deps.Bus,
		started: time.Now(),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)

	v1.GET("/goals", s.handleListGoals)
	v1.POST("/goals", s.handleCreateGoal)
	v1.GET("/goals/:id", s.handleGetGoal)
	v1.POST("/goals/:id/resume", s.handleResumeGoal)
	v1.POST("/goals/:id/abandon", s.handleAbandonGoal)
	v1.POST("/goals/:id/subtasks/:index/skip", s.handleSkipSubtask)
	v1.GET("/quarantine", s.handleQuarantine)

	v1.GET("/ledger", s.handleLedger)
	v1.GET("/ledger/rankings", s.handleRankings)
	v1.POST("/ledger/:tool/reset", s.handleResetTool)

	v1.GET("/audit", s.handleAudit)
	v1.GET("/audit/summary", s.handleAuditSummary)

	v1.POST("/scan", s.handleScan)
	v1.POST("/restart", s.handleRestart)
	v1.GET("/events", s.handleEvents)
}

// Handler exposes the router, mostly so the daemon can serve it from
// its own listener in tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{
		Status:        "ok",
		Version:       s.cfg.Version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Goals:         make(map[string]int),
		EventsEnabled: s.bus.Conn() != nil,
	}
	for _, g := range s.store.List(goals.Filter{}) {
		resp.Goals[string(g.Status)]++
		if g.Status.Open() {
			resp.Open++
		}
	}
	if s.scanner != nil {
		next := s.scanner.Next(time.Now())
		resp.NextScan = &next
	}
	return c.JSON(http.StatusOK, resp)
}

// Start listens until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "admin server listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "admin server shutting down")
	return s.echo.Shutdown(ctx)
}
