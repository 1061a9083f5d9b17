package http

import (
	"fmt"
	"time"

	"github.com/quarrylabs/conveyor/internal/ledger"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Goals         map[string]int `json:"goals"`
	Open          int            `json:"open"`
	NextScan      *time.Time     `json:"next_scan,omitempty"`
	EventsEnabled bool           `json:"events_enabled"`
}

// CreateGoalRequest is the body of POST /api/v1/goals. Goals created
// here carry source "user"; priority zero means the default. Subtasks
// are ordered step descriptions.
type CreateGoalRequest struct {
	Title          string   `json:"title"`
	Priority       int      `json:"priority,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Subtasks       []string `json:"subtasks,omitempty"`
}

// ReasonRequest carries the operator's reason for abandon and skip.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// RankingsResponse is the body of GET /api/v1/ledger/rankings.
type RankingsResponse struct {
	Category string           `json:"category"`
	Rankings []ledger.Ranking `json:"rankings"`
}

// AcceptedResponse acknowledges an action that completes out of band.
type AcceptedResponse struct {
	Status string `json:"status"`
}

// APIError is a non-2xx answer decoded by the client. The message is
// echo's {"message": ...} body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}
