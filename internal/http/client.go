package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quarrylabs/conveyor/internal/audit"
	"github.com/quarrylabs/conveyor/internal/goals"
	"github.com/quarrylabs/conveyor/internal/ledger"
	"github.com/quarrylabs/conveyor/internal/scanner"
)

// Client is the typed client for the admin API. The CLI is its main
// consumer.
type Client struct {
	base string
	hc   *http.Client
	// streaming requests live as long as the context, not the
	// request timeout.
	stream *http.Client
}

// NewClient points a client at a daemon's base URL, for example
// http://localhost:9310.
func NewClient(base string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		hc:     &http.Client{Timeout: 30 * time.Second},
		stream: &http.Client{},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Message}
}

// Health checks the daemon is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status returns the engine's status summary.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

// GoalsQuery narrows Goals. Zero values match everything.
type GoalsQuery struct {
	Statuses []string
	Source   string
	Open     bool
}

// Goals lists goals matching the query.
func (c *Client) Goals(ctx context.Context, q GoalsQuery) ([]*goals.Goal, error) {
	v := url.Values{}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Source != "" {
		v.Set("source", q.Source)
	}
	if q.Open {
		v.Set("open", "true")
	}
	path := "/api/v1/goals"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []*goals.Goal
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Goal fetches one goal by id.
func (c *Client) Goal(ctx context.Context, id string) (*goals.Goal, error) {
	var out goals.Goal
	err := c.do(ctx, http.MethodGet, "/api/v1/goals/"+url.PathEscape(id), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateGoal proposes a new user goal. When an open goal already
// covers the same work, the existing goal is returned together with
// goals.ErrDuplicateGoal, mirroring the store's idempotency contract.
func (c *Client) CreateGoal(ctx context.Context, req CreateGoalRequest) (*goals.Goal, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/goals", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusConflict:
		var g goals.Goal
		if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if resp.StatusCode == http.StatusConflict {
			return &g, goals.ErrDuplicateGoal
		}
		return &g, nil
	default:
		return nil, apiError(resp)
	}
}

// ResumeGoal moves a blocked goal back to active and resets its
// failure budgets.
func (c *Client) ResumeGoal(ctx context.Context, id string) (*goals.Goal, error) {
	var out goals.Goal
	err := c.do(ctx, http.MethodPost, "/api/v1/goals/"+url.PathEscape(id)+"/resume", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AbandonGoal terminates a goal with a reason.
func (c *Client) AbandonGoal(ctx context.Context, id, reason string) (*goals.Goal, error) {
	var out goals.Goal
	err := c.do(ctx, http.MethodPost, "/api/v1/goals/"+url.PathEscape(id)+"/abandon",
		ReasonRequest{Reason: reason}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SkipSubtask marks one subtask skipped with a reason.
func (c *Client) SkipSubtask(ctx context.Context, id string, index int, reason string) (*goals.Goal, error) {
	path := fmt.Sprintf("/api/v1/goals/%s/subtasks/%d/skip", url.PathEscape(id), index)
	var out goals.Goal
	err := c.do(ctx, http.MethodPost, path, ReasonRequest{Reason: reason}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Quarantine lists records set aside as unreadable or invalid.
func (c *Client) Quarantine(ctx context.Context) ([]goals.QuarantineEntry, error) {
	var out []goals.QuarantineEntry
	err := c.do(ctx, http.MethodGet, "/api/v1/quarantine", nil, &out)
	return out, err
}

// Ledger returns every tool's reliability record.
func (c *Client) Ledger(ctx context.Context) ([]ledger.Entry, error) {
	var out []ledger.Entry
	err := c.do(ctx, http.MethodGet, "/api/v1/ledger", nil, &out)
	return out, err
}

// Rankings orders a category's registered tools, best first.
func (c *Client) Rankings(ctx context.Context, category string) (RankingsResponse, error) {
	var out RankingsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/ledger/rankings?category="+url.QueryEscape(category), nil, &out)
	return out, err
}

// ResetTool discards one tool's reliability history.
func (c *Client) ResetTool(ctx context.Context, tool string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/ledger/"+url.PathEscape(tool)+"/reset", nil, nil)
}

// AuditQuery narrows Audit. Zero values match everything; Limit zero
// means the server default.
type AuditQuery struct {
	Tool         string
	GoalID       string
	Since        time.Time
	FailuresOnly bool
	Limit        int
}

// Audit returns matching invocation records, oldest first.
func (c *Client) Audit(ctx context.Context, q AuditQuery) ([]audit.Record, error) {
	v := url.Values{}
	if q.Tool != "" {
		v.Set("tool", q.Tool)
	}
	if q.GoalID != "" {
		v.Set("goal", q.GoalID)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.Format(time.RFC3339))
	}
	if q.FailuresOnly {
		v.Set("failures", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/v1/audit"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []audit.Record
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// AuditSummary aggregates the invocation trail per tool.
func (c *Client) AuditSummary(ctx context.Context) (audit.Summary, error) {
	var out audit.Summary
	err := c.do(ctx, http.MethodGet, "/api/v1/audit/summary", nil, &out)
	return out, err
}

// ScanNow runs a health-scan pass and returns its tallies.
func (c *Client) ScanNow(ctx context.Context) (scanner.Report, error) {
	var out scanner.Report
	err := c.do(ctx, http.MethodPost, "/api/v1/scan", nil, &out)
	return out, err
}

// Restart asks the engine to rebuild at the next beat boundary.
func (c *Client) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/restart", nil, nil)
}

// EventHandler receives one server-sent event. Returning an error
// stops the stream and surfaces the error from Events.
type EventHandler func(eventType string, data []byte) error

// Events follows the lifecycle event stream until the context ends,
// the server closes it, or the handler returns an error. An empty
// goalID follows everything.
func (c *Client) Events(ctx context.Context, goalID string, fn EventHandler) error {
	path := "/api/v1/events"
	if goalID != "" {
		path += "?goal=" + url.QueryEscape(goalID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event string
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			// Dispatch boundary. Heartbeats produce empty frames,
			// which are dropped here.
			if event != "" || data.Len() > 0 {
				if err := fn(event, append([]byte(nil), data.Bytes()...)); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("event stream: %w", err)
	}
	return nil
}
