package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quarrylabs/conveyor/internal/events"
)

func TestFormatEventGateChange(t *testing.T) {
	line := formatEvent(events.Event{
		Time:   time.Date(2026, 8, 20, 14, 3, 9, 0, time.UTC),
		Type:   events.TypeGateChanged,
		GoalID: "g1",
		From:   "pr_open",
		To:     "ci_pending",
		PR:     42,
	})

	assert.Contains(t, line, "gate_changed")
	assert.Contains(t, line, "goal=g1")
	assert.Contains(t, line, "pr_open -> ci_pending")
	assert.Contains(t, line, "pr=#42")
	assert.NotContains(t, line, "reason=")
}

func TestFormatEventScanCompleted(t *testing.T) {
	line := formatEvent(events.Event{
		Time:    time.Now(),
		Type:    events.TypeScanCompleted,
		Signals: 3,
		Created: 2,
	})

	assert.Contains(t, line, "scan_completed")
	assert.Contains(t, line, "signals=3 created=2")
}

func TestFormatEventCreation(t *testing.T) {
	line := formatEvent(events.Event{
		Time:   time.Now(),
		Type:   events.TypeGoalCreated,
		GoalID: "g2",
		Title:  "Fix flaky auth test",
		Source: "health-scan",
	})

	assert.Contains(t, line, "goal_created")
	assert.Contains(t, line, `"Fix flaky auth test"`)
	assert.Contains(t, line, "source=health-scan")
}
