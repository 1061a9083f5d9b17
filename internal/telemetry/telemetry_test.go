package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabled(t *testing.T) {
	cfg := NewDefaultConfig()
	require.False(t, cfg.Enabled)

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Healthy)
	assert.False(t, tel.Health().Degraded)

	// No-op tracer must hand out usable spans
	tracer := tel.Tracer("test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()

	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "disabled skips checks", mutate: func(c *Config) {
			c.Enabled = false
			c.Endpoint = ""
		}},
		{name: "enabled needs endpoint", mutate: func(c *Config) {
			c.Enabled = true
			c.Endpoint = ""
		}, wantErr: true},
		{name: "bad protocol", mutate: func(c *Config) {
			c.Enabled = true
			c.Protocol = "udp"
		}, wantErr: true},
		{name: "sampling rate above one", mutate: func(c *Config) {
			c.Enabled = true
			c.Sampling.Rate = 1.5
		}, wantErr: true},
		{name: "enabled needs service name", mutate: func(c *Config) {
			c.Enabled = true
			c.ServiceName = ""
		}, wantErr: true},
		{name: "valid enabled grpc", mutate: func(c *Config) {
			c.Enabled = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNilReceiverSafety(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
}
