// internal/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for conveyord.
type Config struct {
	Repo         RepoConfig         `koanf:"repo"`
	GitHub       GitHubConfig       `koanf:"github"`
	State        StateConfig        `koanf:"state"`
	Gate         GateConfig         `koanf:"gate"`
	Invoker      InvokerConfig      `koanf:"invoker"`
	Ledger       LedgerConfig       `koanf:"ledger"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Scanner      ScannerConfig      `koanf:"scanner"`
	Server       ServerConfig       `koanf:"server"`
	Events       EventsConfig       `koanf:"events"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// RepoConfig identifies the single target repository.
type RepoConfig struct {
	Owner      string `koanf:"owner"`
	Name       string `koanf:"name"`
	Path       string `koanf:"path"`
	BaseBranch string `koanf:"base_branch"`
	Remote     string `koanf:"remote"`
}

// GitHubConfig holds hosting-platform client settings.
type GitHubConfig struct {
	Token   Secret `koanf:"token"`
	BaseURL string `koanf:"base_url"`
}

// StateConfig locates the durable state directory.
type StateConfig struct {
	Dir string `koanf:"dir"`
}

// GateConfig is the immutable PR/CI gate configuration. It is copied into
// the gate at construction and never re-read afterwards.
type GateConfig struct {
	Automerge       bool     `koanf:"automerge"`
	DebounceGreens  int      `koanf:"debounce_greens"`
	CIRedMaxRetries int      `koanf:"ci_red_max_retries"`
	PollInitial     Duration `koanf:"poll_initial"`
	PollMax         Duration `koanf:"poll_max"`
	PollMultiplier  float64  `koanf:"poll_multiplier"`
	BranchPrefix    string   `koanf:"branch_prefix"`
}

// InvokerConfig bounds every external capability call.
type InvokerConfig struct {
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"`
	RateBurst int      `koanf:"rate_burst"`
}

// LedgerConfig holds the reliability scoring constants.
//
// The blended score is WeightSuccess*success_rate + WeightHelpfulness*mean_helpfulness.
// Defaults favor success rate (0.7 / 0.3). A tool with fewer than ColdStartSamples
// observations is pulled toward the neutral prior rather than ranked on raw score.
type LedgerConfig struct {
	Alpha             float64 `koanf:"alpha"`
	ColdStartSamples  int     `koanf:"cold_start_samples"`
	WeightSuccess     float64 `koanf:"weight_success"`
	WeightHelpfulness float64 `koanf:"weight_helpfulness"`
	MaxNotes          int     `koanf:"max_notes"`
}

// OrchestratorConfig controls the selection loop.
type OrchestratorConfig struct {
	IdlePoll            Duration `koanf:"idle_poll"`
	PermanentFailureMax int      `koanf:"permanent_failure_max"`
}

// ScannerConfig controls the periodic health scan.
type ScannerConfig struct {
	Enabled     bool     `koanf:"enabled"`
	Schedule    string   `koanf:"schedule"`
	IssueLabels []string `koanf:"issue_labels"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EventsConfig controls the embedded lifecycle event bus.
type EventsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// LoggingConfig holds the subset of logging settings exposed in the config file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OTLP trace export settings.
type TelemetryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Endpoint       string  `koanf:"endpoint"`
	Protocol       string  `koanf:"protocol"`
	Insecure       bool    `koanf:"insecure"`
	SamplingRate   float64 `koanf:"sampling_rate"`
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
}

// Validate checks configuration consistency. It is called by LoadWithFile
// after defaults are applied, and by anything constructing a Config by hand.
func (c *Config) Validate() error {
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Gate.DebounceGreens < 1 {
		return fmt.Errorf("gate.debounce_greens must be >= 1, got %d", c.Gate.DebounceGreens)
	}
	if c.Gate.CIRedMaxRetries < 1 {
		return fmt.Errorf("gate.ci_red_max_retries must be >= 1, got %d", c.Gate.CIRedMaxRetries)
	}
	if c.Gate.PollMultiplier <= 1.0 {
		return fmt.Errorf("gate.poll_multiplier must be > 1.0, got %v", c.Gate.PollMultiplier)
	}
	if c.Gate.PollInitial.Duration() <= 0 {
		return fmt.Errorf("gate.poll_initial must be > 0")
	}
	if c.Gate.PollMax.Duration() < c.Gate.PollInitial.Duration() {
		return fmt.Errorf("gate.poll_max must be >= gate.poll_initial")
	}
	if c.Invoker.Timeout.Duration() <= 0 {
		return fmt.Errorf("invoker.timeout must be > 0")
	}
	if c.Ledger.Alpha <= 0 || c.Ledger.Alpha > 1 {
		return fmt.Errorf("ledger.alpha must be in (0, 1], got %v", c.Ledger.Alpha)
	}
	if c.Ledger.ColdStartSamples < 1 {
		return fmt.Errorf("ledger.cold_start_samples must be >= 1, got %d", c.Ledger.ColdStartSamples)
	}
	if c.Ledger.WeightSuccess < 0 || c.Ledger.WeightHelpfulness < 0 {
		return fmt.Errorf("ledger weights must be non-negative")
	}
	if c.Ledger.WeightSuccess+c.Ledger.WeightHelpfulness == 0 {
		return fmt.Errorf("at least one ledger weight must be > 0")
	}
	if c.Orchestrator.PermanentFailureMax < 1 {
		return fmt.Errorf("orchestrator.permanent_failure_max must be >= 1, got %d", c.Orchestrator.PermanentFailureMax)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Repo defaults
	if cfg.Repo.BaseBranch == "" {
		cfg.Repo.BaseBranch = "main"
	}
	if cfg.Repo.Remote == "" {
		cfg.Repo.Remote = "origin"
	}

	// Gate defaults
	if cfg.Gate.DebounceGreens == 0 {
		cfg.Gate.DebounceGreens = 2
	}
	if cfg.Gate.CIRedMaxRetries == 0 {
		cfg.Gate.CIRedMaxRetries = 3
	}
	if cfg.Gate.PollInitial == 0 {
		cfg.Gate.PollInitial = Duration(30 * time.Second)
	}
	if cfg.Gate.PollMax == 0 {
		cfg.Gate.PollMax = Duration(15 * time.Minute)
	}
	if cfg.Gate.PollMultiplier == 0 {
		cfg.Gate.PollMultiplier = 2.0
	}
	if cfg.Gate.BranchPrefix == "" {
		cfg.Gate.BranchPrefix = "conveyor/"
	}

	// Invoker defaults
	if cfg.Invoker.Timeout == 0 {
		cfg.Invoker.Timeout = Duration(30 * time.Second)
	}
	if cfg.Invoker.RateLimit == 0 {
		cfg.Invoker.RateLimit = 5
	}
	if cfg.Invoker.RateBurst == 0 {
		cfg.Invoker.RateBurst = 10
	}

	// Ledger defaults
	if cfg.Ledger.Alpha == 0 {
		cfg.Ledger.Alpha = 0.3
	}
	if cfg.Ledger.ColdStartSamples == 0 {
		cfg.Ledger.ColdStartSamples = 5
	}
	if cfg.Ledger.WeightSuccess == 0 && cfg.Ledger.WeightHelpfulness == 0 {
		cfg.Ledger.WeightSuccess = 0.7
		cfg.Ledger.WeightHelpfulness = 0.3
	}
	if cfg.Ledger.MaxNotes == 0 {
		cfg.Ledger.MaxNotes = 10
	}

	// Orchestrator defaults
	if cfg.Orchestrator.IdlePoll == 0 {
		cfg.Orchestrator.IdlePoll = Duration(30 * time.Second)
	}
	if cfg.Orchestrator.PermanentFailureMax == 0 {
		cfg.Orchestrator.PermanentFailureMax = 3
	}

	// Scanner defaults
	if cfg.Scanner.Schedule == "" {
		cfg.Scanner.Schedule = "*/15 * * * *"
	}
	if len(cfg.Scanner.IssueLabels) == 0 {
		cfg.Scanner.IssueLabels = []string{"bug", "security"}
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9310
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Telemetry defaults
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "conveyor"
	}
}
