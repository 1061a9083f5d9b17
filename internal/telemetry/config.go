// internal/telemetry/config.go
package telemetry

import (
	"fmt"
	"time"

	"github.com/quarrylabs/conveyor/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled       bool    `koanf:"enabled"`
	Endpoint      string  `koanf:"endpoint"`
	Protocol      string  `koanf:"protocol"`
	Insecure      bool    `koanf:"insecure"`
	TLSSkipVerify bool    `koanf:"tls_skip_verify"`

	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`

	Sampling SamplingConfig `koanf:"sampling"`
	Shutdown ShutdownConfig `koanf:"shutdown"`
}

// SamplingConfig controls trace sampling.
type SamplingConfig struct {
	Rate float64 `koanf:"rate"`
}

// ShutdownConfig controls provider shutdown behavior.
type ShutdownConfig struct {
	Timeout config.Duration `koanf:"timeout"`
}

// NewDefaultConfig returns telemetry config defaults (disabled).
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		ServiceName:    "conveyor",
		ServiceVersion: "dev",
		Sampling:       SamplingConfig{Rate: 1.0},
		Shutdown:       ShutdownConfig{Timeout: config.Duration(5 * time.Second)},
	}
}

// FromAppConfig builds telemetry config from the application config section.
func FromAppConfig(app config.TelemetryConfig) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = app.Enabled
	if app.Endpoint != "" {
		cfg.Endpoint = app.Endpoint
	}
	if app.Protocol != "" {
		cfg.Protocol = app.Protocol
	}
	cfg.Insecure = app.Insecure
	if app.SamplingRate != 0 {
		cfg.Sampling.Rate = app.SamplingRate
	}
	if app.ServiceName != "" {
		cfg.ServiceName = app.ServiceName
	}
	if app.ServiceVersion != "" {
		cfg.ServiceVersion = app.ServiceVersion
	}
	return cfg
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	switch c.Protocol {
	case "grpc", "http/protobuf":
	default:
		return fmt.Errorf("protocol must be 'grpc' or 'http/protobuf', got %q", c.Protocol)
	}
	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		return fmt.Errorf("sampling rate must be in [0, 1], got %v", c.Sampling.Rate)
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	return nil
}
