package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/events"
	"github.com/quarrylabs/conveyor/internal/goals"
)

// goalError maps goal store failures onto HTTP statuses. Conflicts
// (duplicates, illegal transitions, already-resolved subtasks) come
// back 409 so retrying clients can tell them from bad requests.
func goalError(err error) error {
	switch {
	case errors.Is(err, goals.ErrGoalNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, goals.ErrDuplicateGoal),
		errors.Is(err, goals.ErrInvalidTransition),
		errors.Is(err, goals.ErrNotActive),
		errors.Is(err, goals.ErrNoPendingSubtasks),
		errors.Is(err, goals.ErrCompletionBlocked):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, goals.ErrPersist), errors.Is(err, goals.ErrStateCorruption):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleListGoals(c echo.Context) error {
	f := goals.Filter{
		Source: goals.Source(c.QueryParam("source")),
		Open:   c.QueryParam("open") == "true",
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, goals.Status(strings.TrimSpace(st)))
		}
	}
	return c.JSON(http.StatusOK, s.store.List(f))
}

func (s *Server) handleGetGoal(c echo.Context) error {
	g, err := s.store.Get(c.Param("id"))
	if err != nil {
		return goalError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleCreateGoal(c echo.Context) error {
	var req CreateGoalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title is required")
	}
	ctx := c.Request().Context()
	g, err := s.store.Create(ctx, goals.CreateParams{
		Title:          req.Title,
		Source:         goals.SourceUser,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		Subtasks:       req.Subtasks,
	})
	if errors.Is(err, goals.ErrDuplicateGoal) {
		// The open goal already covering this work is the answer.
		return c.JSON(http.StatusConflict, g)
	}
	if err != nil {
		return goalError(err)
	}

	s.publish(ctx, events.Event{
		Type:   events.TypeGoalCreated,
		GoalID: g.ID,
		Title:  g.Title,
		Source: string(g.Source),
	})
	s.engine.Wake()
	s.logger.Info(ctx, "goal created",
		zap.String("goal_id", g.ID),
		zap.String("title", g.Title),
		zap.Int("priority", g.Priority))
	return c.JSON(http.StatusCreated, g)
}

func (s *Server) handleResumeGoal(c echo.Context) error {
	ctx := c.Request().Context()
	g, err := s.store.Resume(ctx, c.Param("id"))
	if err != nil {
		return goalError(err)
	}
	s.publish(ctx, events.Event{
		Type:   events.TypeStatusChanged,
		GoalID: g.ID,
		From:   string(goals.StatusBlocked),
		To:     string(g.Status),
		Reason: "operator resume",
	})
	s.engine.Wake()
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleAbandonGoal(c echo.Context) error {
	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required")
	}
	ctx := c.Request().Context()
	before, err := s.store.Get(c.Param("id"))
	if err != nil {
		return goalError(err)
	}
	g, err := s.store.Abandon(ctx, c.Param("id"), req.Reason)
	if err != nil {
		return goalError(err)
	}
	s.publish(ctx, events.Event{
		Type:   events.TypeStatusChanged,
		GoalID: g.ID,
		From:   string(before.Status),
		To:     string(g.Status),
		Reason: req.Reason,
	})
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleSkipSubtask(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "subtask index must be an integer")
	}
	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required")
	}
	ctx := c.Request().Context()
	g, err := s.store.SkipSubtask(ctx, c.Param("id"), index, req.Reason)
	if err != nil {
		return goalError(err)
	}
	// Skipping the last open subtask can make a merged goal
	// completable, so nudge the loop.
	s.engine.Wake()
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleQuarantine(c echo.Context) error {
	entries, err := s.store.Quarantined()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if entries == nil {
		entries = []goals.QuarantineEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) publish(ctx context.Context, e events.Event) {
	e.Time = time.Now().UTC()
	if err := s.bus.Publish(e); err != nil {
		s.logger.Warn(ctx, "event publish failed",
			zap.String("type", e.Type),
			zap.Error(err))
	}
}
