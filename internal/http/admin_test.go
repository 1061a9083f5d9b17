package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/conveyor/internal/audit"
	"github.com/quarrylabs/conveyor/internal/ledger"
	"github.com/quarrylabs/conveyor/internal/logging"
	"github.com/quarrylabs/conveyor/internal/scanner"
)

func TestLedgerEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.RecordInvocation(ctx, "git-go", "source-control", true, 0.9, ""))
	require.NoError(t, f.ledger.RecordInvocation(ctx, "git-cli", "source-control", false, 0.2, "clone timed out"))

	rec := f.request(t, http.MethodGet, "/api/v1/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "git-cli", entries[0].Tool)
	assert.Equal(t, "git-go", entries[1].Tool)
}

func TestRankingsEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, f.ledger.RecordInvocation(ctx, "git-go", "source-control", true, 0.9, ""))
		require.NoError(t, f.ledger.RecordInvocation(ctx, "git-cli", "source-control", false, 0.1, ""))
	}

	t.Run("ranks a known category", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/api/v1/ledger/rankings?category=source-control", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp RankingsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "source-control", resp.Category)
		require.Len(t, resp.Rankings, 2)
		assert.Equal(t, "git-go", resp.Rankings[0].Tool)
	})

	t.Run("requires the category parameter", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/api/v1/ledger/rankings", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown category has no candidates", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/api/v1/ledger/rankings?category=deploy", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestResetToolEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.RecordInvocation(ctx, "git-go", "source-control", false, 0, "broken"))

	rec := f.request(t, http.MethodPost, "/api/v1/ledger/git-go/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.ledger.Entries())

	rec = f.request(t, http.MethodPost, "/api/v1/ledger/never-seen/reset", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	records := []audit.Record{
		{Time: base, Tool: "git-go", Category: "source-control", GoalID: "g1", Success: true, DurationMS: 40, Helpfulness: 0.9},
		{Time: base.Add(time.Minute), Tool: "github-api", Category: "hosting", GoalID: "g1", Success: false, ErrorKind: audit.KindTransient, Error: "502", DurationMS: 900},
		{Time: base.Add(2 * time.Minute), Tool: "git-go", Category: "source-control", GoalID: "g2", Success: true, DurationMS: 35, Helpfulness: 0.8},
	}
	for _, r := range records {
		require.NoError(t, f.trail.Append(ctx, r))
	}

	t.Run("filters by tool", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/api/v1/audit?tool=git-go", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var got []audit.Record
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Len(t, got, 2)
	})

	t.Run("failures only", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/api/v1/audit?failures=true", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var got []audit.Record
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "github-api", got[0].Tool)
	})

	t.Run("limit keeps the newest", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/api/v1/audit?limit=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var got []audit.Record
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "g2", got[0].GoalID)
	})

	t.Run("rejects a malformed since", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/api/v1/audit?since=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("summary aggregates per tool", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/api/v1/audit/summary", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var sum audit.Summary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
		assert.Equal(t, 3, sum.Total)
		assert.Equal(t, 2, sum.Tools["git-go"].Calls)
		assert.Equal(t, 1, sum.Tools["github-api"].Failures)
	})
}

func TestScanEndpoint(t *testing.T) {
	t.Run("returns the pass report", func(t *testing.T) {
		f := newFixture(t)
		f.scan.report = scanner.Report{Signals: 3, Created: 2, Skipped: 1}

		rec := f.request(t, http.MethodPost, "/api/v1/scan", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var report scanner.Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, 3, report.Signals)
		assert.Equal(t, 2, report.Created)

		_, wakes := f.engine.counts()
		assert.Equal(t, 1, wakes)
	})

	t.Run("a pass that created nothing does not wake the engine", func(t *testing.T) {
		f := newFixture(t)
		rec := f.request(t, http.MethodPost, "/api/v1/scan", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		_, wakes := f.engine.counts()
		assert.Zero(t, wakes)
	})

	t.Run("scan failure is a server error", func(t *testing.T) {
		f := newFixture(t)
		f.scan.err = errors.New("store write failed")
		rec := f.request(t, http.MethodPost, "/api/v1/scan", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("disabled scanner answers 503", func(t *testing.T) {
		f := newFixture(t)
		logger := logging.NewTestLogger()
		srv, err := NewServer(Deps{Store: f.store, Engine: f.engine, Ledger: f.ledger}, Config{}, logger.Logger)
		require.NoError(t, err)
		f.server = srv

		rec := f.request(t, http.MethodPost, "/api/v1/scan", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestRestartEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/restart", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	restarts, _ := f.engine.counts()
	assert.Equal(t, 1, restarts)
}
