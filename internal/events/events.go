// Package events is the in-process lifecycle bus. An embedded NATS
// server carries goal and engine events as JSON; the admin server's
// SSE endpoint and anything else interested subscribes to the
// conveyor.> subject space. Events are live telemetry, not durable
// state: a subscriber that was not listening missed the event, and
// the goal registry remains the source of truth.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/logging"
)

// Event types. The type is also the final subject token, so
// subscribers can filter without decoding payloads.
const (
	TypeGoalCreated      = "goal_created"
	TypeStatusChanged    = "status_changed"
	TypeGateChanged      = "gate_changed"
	TypeScanCompleted    = "scan_completed"
	TypeRestartRequested = "restart_requested"
)

// WildcardAll matches every event this process publishes.
const WildcardAll = "conveyor.>"

const readyTimeout = 5 * time.Second

// Event is the wire envelope. Only the fields relevant to the type
// are set.
type Event struct {
	Time   time.Time `json:"time"`
	Type   string    `json:"type"`
	GoalID string    `json:"goal_id,omitempty"`
	Title  string    `json:"title,omitempty"`
	Source string    `json:"source,omitempty"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Branch string    `json:"branch,omitempty"`
	PR     int64     `json:"pr,omitempty"`
	Reason string    `json:"reason,omitempty"`
	// Scan tallies.
	Signals int `json:"signals,omitempty"`
	Created int `json:"created,omitempty"`
}

// Subject places the event in the subject space: goal events under
// conveyor.goals.{id}.{type}, engine-wide ones under
// conveyor.engine.{type}.
func (e Event) Subject() string {
	if e.GoalID != "" {
		return fmt.Sprintf("conveyor.goals.%s.%s", e.GoalID, e.Type)
	}
	return "conveyor.engine." + e.Type
}

// Bus owns the embedded server and the process's publishing
// connection. A nil Bus is a disabled bus: Publish succeeds silently
// and Conn returns nil.
type Bus struct {
	srv    *natsserver.Server
	conn   *nats.Conn
	logger *logging.Logger
}

// Start brings up the embedded server on a loopback port picked by
// the OS and connects to it.
func Start(logger *logging.Logger) (*Bus, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return nil, errors.New("embedded nats server not ready")
	}
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}
	logger.Debug(context.Background(), "event bus started", zap.String("url", srv.ClientURL()))
	return &Bus{srv: srv, conn: conn, logger: logger}, nil
}

// Publish sends one event. The timestamp is stamped if the caller
// left it zero. Publish failures are the caller's to log; lifecycle
// code treats them as advisory and carries on.
func (b *Bus) Publish(e Event) error {
	if b == nil {
		return nil
	}
	if e.Type == "" {
		return errors.New("event type required")
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(e.Subject(), data); err != nil {
		PublishErrorsTotal.Inc()
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	PublishedTotal.WithLabelValues(e.Type).Inc()
	return nil
}

// Conn exposes the connection for subscribers. Nil when the bus is
// disabled.
func (b *Bus) Conn() *nats.Conn {
	if b == nil {
		return nil
	}
	return b.conn
}

// ClientURL reports the embedded server's address.
func (b *Bus) ClientURL() string {
	if b == nil {
		return ""
	}
	return b.srv.ClientURL()
}

// Close flushes the connection and stops the embedded server.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if b.conn != nil {
		_ = b.conn.Flush()
		b.conn.Close()
	}
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
	}
}
