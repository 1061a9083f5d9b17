package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/audit"
	"github.com/quarrylabs/conveyor/internal/config"
	"github.com/quarrylabs/conveyor/internal/events"
	"github.com/quarrylabs/conveyor/internal/gate"
	"github.com/quarrylabs/conveyor/internal/github"
	"github.com/quarrylabs/conveyor/internal/gitrepo"
	"github.com/quarrylabs/conveyor/internal/goals"
	adminhttp "github.com/quarrylabs/conveyor/internal/http"
	"github.com/quarrylabs/conveyor/internal/ledger"
	"github.com/quarrylabs/conveyor/internal/lint"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/monitor"
	"github.com/quarrylabs/conveyor/internal/orchestrator"
	"github.com/quarrylabs/conveyor/internal/scanner"
	"github.com/quarrylabs/conveyor/internal/telemetry"
	"github.com/quarrylabs/conveyor/internal/tools"
)

// engine is one supervisor generation: selection loop, scanner, state
// monitor and admin server, built together from persisted state and
// torn down as a unit.
type engine struct {
	cfg    *config.Config
	logger *logging.Logger
	orch   *orchestrator.Orchestrator
	scan   *scanner.Scanner
	mon    *monitor.Monitor
	srv    *adminhttp.Server
}

// buildEngine returns the supervisor's build function. Everything
// durable (goal registry, reliability ledger, audit trail) is reopened
// from the state directory each generation, so a rebuild after a
// restart request carries no memory of the previous one.
func buildEngine(cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry, bus *events.Bus) orchestrator.BuildFunc {
	return func(ctx context.Context) (orchestrator.Runtime, error) {
		store, err := goals.NewStore(cfg.State.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("open goal registry: %w", err)
		}
		led, err := ledger.New(cfg.State.Dir, ledger.FromAppConfig(cfg.Ledger), logger)
		if err != nil {
			return nil, fmt.Errorf("open reliability ledger: %w", err)
		}
		trail, err := audit.NewLog(cfg.State.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("open audit trail: %w", err)
		}

		reg := tools.NewRegistry()
		if err := registerTools(ctx, reg, cfg, logger); err != nil {
			return nil, err
		}

		inv, err := tools.NewInvoker(reg, led, trail, tools.FromAppConfig(cfg.Invoker), logger, tel)
		if err != nil {
			return nil, err
		}
		picker, err := orchestrator.NewPicker(reg, led)
		if err != nil {
			return nil, err
		}
		gt, err := gate.New(inv, picker, store, bus, gate.FromAppConfig(cfg.Gate), logger)
		if err != nil {
			return nil, err
		}
		orch, err := orchestrator.New(store, gt, bus, orchestrator.FromAppConfig(cfg.Orchestrator), logger)
		if err != nil {
			return nil, err
		}

		var scan *scanner.Scanner
		if cfg.Scanner.Enabled {
			scan, err = scanner.New(inv, reg, store, bus, scanner.FromAppConfig(cfg.Scanner), logger)
			if err != nil {
				return nil, err
			}
		}

		mon, err := monitor.New(logger)
		if err != nil {
			return nil, err
		}
		if err := mon.Watch(store.Path(), store); err != nil {
			return nil, fmt.Errorf("watch goal registry: %w", err)
		}
		if err := mon.Watch(led.Path(), led); err != nil {
			return nil, fmt.Errorf("watch reliability ledger: %w", err)
		}

		deps := adminhttp.Deps{
			Store:   store,
			Engine:  orch,
			Ledger:  led,
			Audit:   trail,
			Catalog: reg,
			Bus:     bus,
		}
		if scan != nil {
			deps.Scanner = scan
		}
		srvCfg := adminhttp.FromAppConfig(cfg.Server)
		srvCfg.Version = version
		srv, err := adminhttp.NewServer(deps, srvCfg, logger)
		if err != nil {
			return nil, err
		}

		return &engine{cfg: cfg, logger: logger, orch: orch, scan: scan, mon: mon, srv: srv}, nil
	}
}

// registerTools binds every adapter to its closed identifier. The
// registry is rebuilt per generation, so a config change to the repo
// or token takes effect on restart.
func registerTools(ctx context.Context, reg *tools.Registry, cfg *config.Config, logger *logging.Logger) error {
	repoCfg := gitrepo.FromAppConfig(cfg.Repo, cfg.GitHub)
	gogit, err := gitrepo.NewGoGit(repoCfg, logger)
	if err != nil {
		return fmt.Errorf("git-go adapter: %w", err)
	}
	if err := reg.RegisterSourceControl(tools.ToolGitGo, gogit); err != nil {
		return err
	}
	cli, err := gitrepo.NewCLI(repoCfg, logger)
	if err != nil {
		return fmt.Errorf("git-cli adapter: %w", err)
	}
	if err := reg.RegisterSourceControl(tools.ToolGitCLI, cli); err != nil {
		return err
	}

	client, err := github.NewClient(ctx, cfg.GitHub.Token, cfg.GitHub.BaseURL)
	if err != nil {
		return fmt.Errorf("github client: %w", err)
	}
	ghCfg := github.FromAppConfig(cfg.Repo)
	hosting, err := github.NewHosting(client, ghCfg, logger)
	if err != nil {
		return fmt.Errorf("github hosting adapter: %w", err)
	}
	if err := reg.RegisterHosting(tools.ToolGitHubAPI, hosting); err != nil {
		return err
	}
	checks, err := github.NewChecks(client, ghCfg, logger)
	if err != nil {
		return fmt.Errorf("github checks adapter: %w", err)
	}
	if err := reg.RegisterCI(tools.ToolGitHubChecks, checks); err != nil {
		return err
	}
	issues, err := github.NewIssues(client, ghCfg, logger)
	if err != nil {
		return fmt.Errorf("github issues adapter: %w", err)
	}
	if err := reg.RegisterIssueSource(tools.ToolGitHubIssues, issues); err != nil {
		return err
	}
	actions, err := github.NewActionsHistory(client, ghCfg, logger)
	if err != nil {
		return fmt.Errorf("github actions adapter: %w", err)
	}
	if err := reg.RegisterCIFailureSource(tools.ToolCIHistory, actions); err != nil {
		return err
	}

	secrets, err := lint.NewScanner(lint.FromAppConfig(cfg.Repo), logger)
	if err != nil {
		return fmt.Errorf("gitleaks adapter: %w", err)
	}
	return reg.RegisterLintSource(tools.ToolGitleaks, secrets)
}

// Run drives the generation until the selection loop stops. The admin
// server and scanner run alongside; an admin listener failure aborts
// the generation, a scanner pass failure only logs.
func (e *engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mon.Start(ctx)

	srvErr := make(chan error, 1)
	go func() {
		if err := e.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
			cancel()
		}
	}()

	if e.scan != nil {
		go func() {
			if err := e.scan.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error(ctx, "health scanner stopped", zap.Error(err))
			}
		}()
	}

	err := e.orch.Run(ctx)

	select {
	case serr := <-srvErr:
		return fmt.Errorf("admin server: %w", serr)
	default:
	}
	return err
}

// Close drains the admin server and stops the state monitor. The
// next generation reopens the listener, so the drain has to finish
// before Close returns.
func (e *engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	err := e.srv.Shutdown(ctx)
	e.mon.Stop()
	return err
}
