// Conveyord is the conveyor engine daemon. It owns the goal registry,
// drives each active goal through its branch/PR/CI gate, scans the
// repository for health signals, and serves the admin API the convctl
// CLI talks to.
//
// Configuration is a YAML file with environment overrides; see
// internal/config for the search paths and the CONVEYOR_ prefix
// mapping.
//
// Usage:
//
//	# Start with the default config search paths
//	conveyord
//
//	# Start with an explicit config file
//	conveyord --config /etc/conveyor/config.yaml
//
//	# Show version information
//	conveyord version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/config"
	"github.com/quarrylabs/conveyor/internal/events"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/orchestrator"
	"github.com/quarrylabs/conveyor/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: standard search paths)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
			fmt.Fprintf(os.Stderr, "Usage:\n")
			fmt.Fprintf(os.Stderr, "  conveyord [--config FILE]   Start the engine daemon\n")
			fmt.Fprintf(os.Stderr, "  conveyord version           Show version information\n")
			os.Exit(1)
		}
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("conveyord\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run owns the process-lifetime pieces: configuration, logging,
// telemetry, and the event bus. Everything else lives inside a
// supervisor generation and is rebuilt on restart.
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "conveyord starting",
		zap.String("version", version),
		zap.String("repo", cfg.Repo.Owner+"/"+cfg.Repo.Name),
		zap.String("state_dir", cfg.State.Dir),
		zap.Int("admin_port", cfg.Server.Port))

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn(sctx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	var bus *events.Bus
	if cfg.Events.Enabled {
		bus, err = events.Start(logger)
		if err != nil {
			return fmt.Errorf("start event bus: %w", err)
		}
		defer bus.Close()
		logger.Info(ctx, "event bus started", zap.String("url", bus.ClientURL()))
	}

	sup, err := orchestrator.NewSupervisor(buildEngine(cfg, logger, tel, bus), logger)
	if err != nil {
		return err
	}
	err = sup.Run(ctx)
	logger.Info(context.Background(), "conveyord stopped")
	return err
}

func buildLogger(app config.LoggingConfig) (*logging.Logger, error) {
	cfg := logging.NewDefaultConfig()
	if app.Level != "" {
		level, err := logging.LevelFromString(app.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = level
	}
	if app.Format != "" {
		cfg.Format = app.Format
	}
	return logging.NewLogger(cfg)
}
