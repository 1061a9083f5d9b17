package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/audit"
	"github.com/quarrylabs/conveyor/internal/ledger"
	"github.com/quarrylabs/conveyor/internal/tools"
)

func (s *Server) handleLedger(c echo.Context) error {
	entries := s.ledger.Entries()
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleRankings(c echo.Context) error {
	if s.catalog == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "tool catalog not wired")
	}
	category := c.QueryParam("category")
	if category == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "category query parameter is required")
	}
	ids := s.catalog.Candidates(tools.Category(category))
	if len(ids) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no tools registered for category "+category)
	}
	candidates := make([]string, len(ids))
	for i, id := range ids {
		candidates[i] = string(id)
	}
	return c.JSON(http.StatusOK, RankingsResponse{
		Category: category,
		Rankings: s.ledger.RankedTools(category, candidates),
	})
}

func (s *Server) handleResetTool(c echo.Context) error {
	tool := c.Param("tool")
	err := s.ledger.Reset(c.Request().Context(), tool)
	if errors.Is(err, ledger.ErrToolUnknown) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, AcceptedResponse{Status: "reset"})
}

func (s *Server) handleAudit(c echo.Context) error {
	if s.audit == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit trail not wired")
	}
	q := audit.Query{
		Tool:         c.QueryParam("tool"),
		GoalID:       c.QueryParam("goal"),
		FailuresOnly: c.QueryParam("failures") == "true",
	}
	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC 3339")
		}
		q.Since = since
	}
	q.Limit = 100
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		q.Limit = limit
	}
	records, err := s.audit.Read(q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []audit.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleAuditSummary(c echo.Context) error {
	if s.audit == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit trail not wired")
	}
	sum, err := s.audit.Summarize()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sum)
}

// handleScan runs a full pass synchronously so the caller gets the
// tallies back. Pass serialization lives in the scanner itself.
func (s *Server) handleScan(c echo.Context) error {
	if s.scanner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scanner disabled")
	}
	ctx := c.Request().Context()
	report, err := s.scanner.Scan(ctx)
	if err != nil {
		s.logger.Error(ctx, "on-demand scan failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if report.Created > 0 {
		s.engine.Wake()
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleRestart(c echo.Context) error {
	s.engine.RequestRestart()
	return c.JSON(http.StatusAccepted, AcceptedResponse{Status: "restarting"})
}
