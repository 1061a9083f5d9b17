package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/quarrylabs/conveyor/internal/events"
)

// heartbeatInterval keeps proxies from reaping idle event streams.
const heartbeatInterval = 30 * time.Second

// handleEvents streams lifecycle events via Server-Sent Events. By
// default every event the engine publishes is forwarded; ?goal=<id>
// narrows the stream to one goal's subjects. The SSE event name is
// the event type (goal_created, status_changed, gate_changed,
// scan_completed, restart_requested) and the data line is the JSON
// envelope as published.
//
// Example:
//
//	GET /api/v1/events?goal=9f31c2
//
//	event: gate_changed
//	data: {"type":"gate_changed","goal_id":"9f31c2","from":"ci_pending","to":"ci_green"}
func (s *Server) handleEvents(c echo.Context) error {
	conn := s.bus.Conn()
	if conn == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus disabled")
	}

	subject := events.WildcardAll
	if id := c.QueryParam("goal"); id != "" {
		subject = fmt.Sprintf("conveyor.goals.%s.>", id)
	}

	msgChan := make(chan *nats.Msg, 10)
	sub, err := conn.ChanSubscribe(subject, msgChan)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "event subscription failed")
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	EventStreams.Inc()
	defer EventStreams.Dec()

	// Heartbeat ticker to prevent proxy timeouts
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			// The event type is the final subject token.
			eventType := msg.Subject
			if i := strings.LastIndexByte(msg.Subject, '.'); i >= 0 {
				eventType = msg.Subject[i+1:]
			}

			fmt.Fprintf(c.Response(), "event: %s\n", eventType)
			fmt.Fprintf(c.Response(), "data: %s\n\n", string(msg.Data))
			c.Response().Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			// Client disconnected
			return nil
		}
	}
}
