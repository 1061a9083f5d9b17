package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/conveyor/internal/config"
)

func TestBuildLoggerDefaults(t *testing.T) {
	logger, err := buildLogger(config.LoggingConfig{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.NoError(t, logger.Sync())
}

func TestBuildLoggerLevelAndFormat(t *testing.T) {
	logger, err := buildLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestBuildLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := buildLogger(config.LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}
