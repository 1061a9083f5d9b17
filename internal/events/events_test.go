package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/conveyor/internal/logging"
)

func startTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := Start(logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func TestSubjectPlacement(t *testing.T) {
	goalEvent := Event{Type: TypeStatusChanged, GoalID: "7f9f1f3a"}
	assert.Equal(t, "conveyor.goals.7f9f1f3a.status_changed", goalEvent.Subject())

	engineEvent := Event{Type: TypeScanCompleted}
	assert.Equal(t, "conveyor.engine.scan_completed", engineEvent.Subject())
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := startTestBus(t)

	msgs := make(chan *nats.Msg, 10)
	sub, err := bus.Conn().ChanSubscribe(WildcardAll, msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, bus.Publish(Event{
		Type:   TypeGoalCreated,
		GoalID: "g1",
		Title:  "fix login flake",
		Source: "health-scan",
	}))
	require.NoError(t, bus.Publish(Event{
		Type:   TypeGateChanged,
		GoalID: "g1",
		From:   "branch_created",
		To:     "pr_open",
		PR:     42,
	}))

	first := waitMsg(t, msgs)
	assert.Equal(t, "conveyor.goals.g1.goal_created", first.Subject)
	var decoded Event
	require.NoError(t, json.Unmarshal(first.Data, &decoded))
	assert.Equal(t, TypeGoalCreated, decoded.Type)
	assert.Equal(t, "fix login flake", decoded.Title)
	assert.False(t, decoded.Time.IsZero())

	second := waitMsg(t, msgs)
	assert.Equal(t, "conveyor.goals.g1.gate_changed", second.Subject)
	require.NoError(t, json.Unmarshal(second.Data, &decoded))
	assert.Equal(t, int64(42), decoded.PR)
}

func TestPublishRequiresType(t *testing.T) {
	bus := startTestBus(t)
	require.Error(t, bus.Publish(Event{GoalID: "g1"}))
}

func TestNilBusIsDisabled(t *testing.T) {
	var bus *Bus
	assert.NoError(t, bus.Publish(Event{Type: TypeRestartRequested}))
	assert.Nil(t, bus.Conn())
	assert.Empty(t, bus.ClientURL())
	bus.Close()
}

func waitMsg(t *testing.T, msgs chan *nats.Msg) *nats.Msg {
	t.Helper()
	select {
	case msg := <-msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}
