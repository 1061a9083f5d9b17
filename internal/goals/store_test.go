package goals

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/conveyor/internal/logging"
)

func ptr[T any](v T) *T { return &v }

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, logging.NewNop())
	require.NoError(t, err)
	return s, dir
}

func TestCreateAndGet(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{
		Title:          "fix flaky auth test",
		Source:         SourceUser,
		Priority:       70,
		IdempotencyKey: "issue:7",
		Subtasks:       []string{"reproduce locally", "patch retry logic"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.Equal(t, StatusProposed, g.Status)
	assert.Equal(t, GateNoBranch, g.Gate)
	assert.Equal(t, 70, g.Priority)
	require.Len(t, g.Subtasks, 2)
	assert.Equal(t, SubtaskPending, g.Subtasks[0].Status)
	assert.False(t, g.CreatedAt.IsZero())

	got, err := s.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, got.ID)
	assert.Equal(t, g.Title, got.Title)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrGoalNotFound)

	info, err := os.Stat(filepath.Join(dir, "goals.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCreateValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Source: SourceUser})
	assert.Error(t, err)

	_, err = s.Create(ctx, CreateParams{Title: "x", Source: Source("robot")})
	assert.Error(t, err)

	_, err = s.Create(ctx, CreateParams{Title: "x", Source: SourceUser, Priority: -1})
	assert.Error(t, err)
}

func TestCreateDuplicateByKey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, CreateParams{
		Title:          "triage issue 42",
		Source:         SourceHealthScan,
		IdempotencyKey: "issue:42",
	})
	require.NoError(t, err)

	dup, err := s.Create(ctx, CreateParams{
		Title:          "triage issue 42 (second scan)",
		Source:         SourceHealthScan,
		IdempotencyKey: "issue:42",
	})
	require.ErrorIs(t, err, ErrDuplicateGoal)
	require.NotNil(t, dup)
	assert.Equal(t, first.ID, dup.ID)
	assert.Len(t, s.List(Filter{}), 1)
}

func TestCreateDuplicateBySourceTitle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateParams{Title: "update deps", Source: SourceUser})
	require.NoError(t, err)

	_, err = s.Create(ctx, CreateParams{Title: "update deps", Source: SourceUser})
	assert.ErrorIs(t, err, ErrDuplicateGoal)

	// A different source is a different goal.
	_, err = s.Create(ctx, CreateParams{Title: "update deps", Source: SourceSelf})
	assert.NoError(t, err)
}

func TestCreateAfterTerminalNotDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{
		Title:          "rotate tokens",
		Source:         SourceHealthScan,
		IdempotencyKey: "issue:9",
	})
	require.NoError(t, err)
	_, err = s.Abandon(ctx, g.ID, "superseded")
	require.NoError(t, err)

	again, err := s.Create(ctx, CreateParams{
		Title:          "rotate tokens",
		Source:         SourceHealthScan,
		IdempotencyKey: "issue:9",
	})
	require.NoError(t, err)
	assert.NotEqual(t, g.ID, again.ID)
}

func TestUpdateStatusTransitions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{Title: "t", Source: SourceUser})
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, g.ID, StatusBlocked, "nope")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.UpdateStatus(ctx, g.ID, StatusActive, "")
	require.NoError(t, err)

	blocked, err := s.UpdateStatus(ctx, g.ID, StatusBlocked, "tool failures exhausted")
	require.NoError(t, err)
	assert.Equal(t, "tool failures exhausted", blocked.BlockedReason)

	_, err = s.UpdateStatus(ctx, g.ID, StatusCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.UpdateStatus(ctx, g.ID, StatusAbandoned, "")
	require.NoError(t, err)

	// Terminal: nothing further is legal.
	_, err = s.UpdateStatus(ctx, g.ID, StatusActive, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.UpdateStatus(ctx, g.ID, Status("bogus"), "")
	assert.Error(t, err)

	_, err = s.UpdateStatus(ctx, "missing", StatusActive, "")
	assert.ErrorIs(t, err, ErrGoalNotFound)
}

func TestCompletionRequiresSubtasksAndMerge(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{
		Title:    "ship feature",
		Source:   SourceUser,
		Subtasks: []string{"implement", "document"},
	})
	require.NoError(t, err)
	_, err = s.Activate(ctx, g.ID)
	require.NoError(t, err)

	// Subtasks outstanding, gate not merged.
	_, err = s.UpdateStatus(ctx, g.ID, StatusCompleted, "")
	assert.ErrorIs(t, err, ErrCompletionBlocked)

	for i := 0; i < 4; i++ {
		_, err = s.AdvanceSubtask(ctx, g.ID)
		require.NoError(t, err)
	}

	// Subtasks done but gate not merged.
	_, err = s.UpdateStatus(ctx, g.ID, StatusCompleted, "")
	assert.ErrorIs(t, err, ErrCompletionBlocked)

	_, err = s.SetGate(ctx, g.ID, GateUpdate{State: ptr(GateMerged)})
	require.NoError(t, err)

	done, err := s.UpdateStatus(ctx, g.ID, StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestCompletionAllowsSkippedSubtasks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{
		Title:    "partial cleanup",
		Source:   SourceUser,
		Subtasks: []string{"main fix", "optional polish"},
	})
	require.NoError(t, err)
	_, err = s.Activate(ctx, g.ID)
	require.NoError(t, err)

	_, err = s.AdvanceSubtask(ctx, g.ID)
	require.NoError(t, err)
	_, err = s.AdvanceSubtask(ctx, g.ID)
	require.NoError(t, err)
	_, err = s.SkipSubtask(ctx, g.ID, 1, "not worth a second commit")
	require.NoError(t, err)

	_, err = s.SetGate(ctx, g.ID, GateUpdate{State: ptr(GateMerged)})
	require.NoError(t, err)
	done, err := s.UpdateStatus(ctx, g.ID, StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestAdvanceSubtaskCursor(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{
		Title:    "two step",
		Source:   SourceUser,
		Subtasks: []string{"first", "second"},
	})
	require.NoError(t, err)

	// Only active goals advance.
	_, err = s.AdvanceSubtask(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = s.Activate(ctx, g.ID)
	require.NoError(t, err)

	step, err := s.AdvanceSubtask(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, SubtaskInProgress, step.Subtasks[0].Status)
	assert.Equal(t, SubtaskPending, step.Subtasks[1].Status)

	step, err = s.AdvanceSubtask(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, SubtaskDone, step.Subtasks[0].Status)

	step, err = s.AdvanceSubtask(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, SubtaskInProgress, step.Subtasks[1].Status)

	step, err = s.AdvanceSubtask(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, SubtaskDone, step.Subtasks[1].Status)

	_, err = s.AdvanceSubtask(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNoPendingSubtasks)
}

func TestSkipSubtaskBounds(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{
		Title:    "skip bounds",
		Source:   SourceUser,
		Subtasks: []string{"only"},
	})
	require.NoError(t, err)
	_, err = s.Activate(ctx, g.ID)
	require.NoError(t, err)

	_, err = s.SkipSubtask(ctx, g.ID, 5, "")
	assert.Error(t, err)

	_, err = s.SkipSubtask(ctx, g.ID, 0, "obsolete")
	require.NoError(t, err)

	// Already resolved.
	_, err = s.SkipSubtask(ctx, g.ID, 0, "again")
	assert.Error(t, err)
}

func TestResumeResetsBudgets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{Title: "stuck goal", Source: SourceUser})
	require.NoError(t, err)
	_, err = s.Activate(ctx, g.ID)
	require.NoError(t, err)
	_, err = s.SetGate(ctx, g.ID, GateUpdate{
		RedRetries:        ptr(3),
		PermanentFailures: ptr(2),
	})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, g.ID, StatusBlocked, "ci retry budget exhausted")
	require.NoError(t, err)

	// Resume rejects anything but blocked goals.
	other, err := s.Create(ctx, CreateParams{Title: "other", Source: SourceUser})
	require.NoError(t, err)
	_, err = s.Resume(ctx, other.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	resumed, err := s.Resume(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)
	assert.Empty(t, resumed.BlockedReason)
	assert.Zero(t, resumed.RedRetries)
	assert.Zero(t, resumed.PermanentFailures)
}

func TestSetGatePersistsEachTransition(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{Title: "gate goal", Source: SourceUser})
	require.NoError(t, err)
	_, err = s.Activate(ctx, g.ID)
	require.NoError(t, err)

	_, err = s.SetGate(ctx, g.ID, GateUpdate{
		State:  ptr(GateBranchCreated),
		Branch: ptr("conveyor/gate-goal"),
	})
	require.NoError(t, err)

	// A fresh store sees the persisted gate state, which is what lets
	// recovery continue with PR creation instead of a second branch.
	reopened, err := NewStore(dir, logging.NewNop())
	require.NoError(t, err)
	got, err := reopened.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, GateBranchCreated, got.Gate)
	assert.Equal(t, "conveyor/gate-goal", got.Branch)
	assert.Equal(t, StatusActive, got.Status)

	_, err = s.SetGate(ctx, g.ID, GateUpdate{State: ptr(GatePROpen), PR: ptr(int64(1234))})
	require.NoError(t, err)
	got, err = s.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, GatePROpen, got.Gate)
	assert.Equal(t, int64(1234), got.PRID)

	_, err = s.SetGate(ctx, g.ID, GateUpdate{State: ptr(GateState("sideways"))})
	assert.Error(t, err)
}

func TestSetGateRejectsTerminalGoals(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{Title: "gate goal", Source: SourceUser})
	require.NoError(t, err)
	_, err = s.Activate(ctx, g.ID)
	require.NoError(t, err)
	_, err = s.Abandon(ctx, g.ID, "superseded")
	require.NoError(t, err)

	_, err = s.SetGate(ctx, g.ID, GateUpdate{State: ptr(GateBranchCreated)})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestListFilterAndOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	low, err := s.Create(ctx, CreateParams{Title: "lint sweep", Source: SourceHealthScan, Priority: 40})
	require.NoError(t, err)
	high, err := s.Create(ctx, CreateParams{Title: "patch CVE", Source: SourceHealthScan, Priority: 90})
	require.NoError(t, err)
	mid, err := s.Create(ctx, CreateParams{Title: "fix bug", Source: SourceUser, Priority: 70})
	require.NoError(t, err)

	all := s.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, high.ID, all[0].ID)
	assert.Equal(t, mid.ID, all[1].ID)
	assert.Equal(t, low.ID, all[2].ID)

	scans := s.List(Filter{Source: SourceHealthScan})
	require.Len(t, scans, 2)

	_, err = s.Abandon(ctx, low.ID, "")
	require.NoError(t, err)
	open := s.List(Filter{Open: true})
	require.Len(t, open, 2)

	abandoned := s.List(Filter{Statuses: []Status{StatusAbandoned}})
	require.Len(t, abandoned, 1)
	assert.Equal(t, low.ID, abandoned[0].ID)
}

func TestListOrderStableForEqualPriority(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, CreateParams{Title: "a", Source: SourceUser, Priority: 50})
	require.NoError(t, err)
	second, err := s.Create(ctx, CreateParams{Title: "b", Source: SourceUser, Priority: 50})
	require.NoError(t, err)

	got := s.List(Filter{})
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewStore(dir, logging.NewNop())
	require.NoError(t, err)
	g, err := s1.Create(ctx, CreateParams{
		Title:          "round trip",
		Source:         SourceHealthScan,
		Priority:       60,
		IdempotencyKey: "ci-failure:build",
		Subtasks:       []string{"inspect logs"},
	})
	require.NoError(t, err)
	_, err = s1.Activate(ctx, g.ID)
	require.NoError(t, err)
	_, err = s1.AdvanceSubtask(ctx, g.ID)
	require.NoError(t, err)

	s2, err := NewStore(dir, logging.NewNop())
	require.NoError(t, err)
	got, err := s2.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "ci-failure:build", got.IdempotencyKey)
	assert.Equal(t, 60, got.Priority)
	require.Len(t, got.Subtasks, 1)
	assert.Equal(t, SubtaskInProgress, got.Subtasks[0].Status)

	// The reopened store enforces idempotency against loaded goals.
	_, err = s2.Create(ctx, CreateParams{
		Title:          "round trip again",
		Source:         SourceHealthScan,
		IdempotencyKey: "ci-failure:build",
	})
	assert.ErrorIs(t, err, ErrDuplicateGoal)
}

func TestUnknownRecordFieldsSurviveSave(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	doc := `{
	  "schema_version": 1,
	  "goals": {
	    "g1": {
	      "id": "g1",
	      "title": "from the future",
	      "status": "proposed",
	      "source": "user",
	      "priority": 10,
	      "gate": "no_branch",
	      "created_at": "2026-01-02T03:04:05Z",
	      "updated_at": "2026-01-02T03:04:05Z",
	      "future_field": {"keep": true}
	    }
	  }
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "goals.json"), []byte(doc), 0o600))

	s, err := NewStore(dir, logging.NewNop())
	require.NoError(t, err)
	_, err = s.Activate(ctx, "g1")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "goals.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "future_field")
	assert.Contains(t, string(data), `"active"`)
}

func TestCorruptRecordQuarantinedNotDropped(t *testing.T) {
	dir := t.TempDir()
	doc := `{
	  "schema_version": 1,
	  "goals": {
	    "good": {
	      "id": "good",
	      "title": "healthy record",
	      "status": "proposed",
	      "source": "user",
	      "gate": "no_branch",
	      "created_at": "2026-01-02T03:04:05Z",
	      "updated_at": "2026-01-02T03:04:05Z"
	    },
	    "bad": {
	      "id": "bad",
	      "title": "broken record",
	      "status": "exploded",
	      "source": "user",
	      "gate": "pr_open",
	      "created_at": "2026-01-02T03:04:05Z",
	      "updated_at": "2026-01-02T03:04:05Z"
	    }
	  }
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "goals.json"), []byte(doc), 0o600))

	s, err := NewStore(dir, logging.NewNop())
	require.NoError(t, err)

	good, err := s.Get("good")
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, good.Status)

	// The corrupt record survives as a blocked goal with its gate
	// intact, and its raw bytes land in the quarantine file.
	husk, err := s.Get("bad")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, husk.Status)
	assert.Equal(t, GatePROpen, husk.Gate)
	assert.Contains(t, husk.BlockedReason, "quarantined")

	entries, err := s.Quarantined()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bad", entries[0].GoalID)
	assert.Contains(t, string(entries[0].Raw), "exploded")
}

func TestCompletedInvariantEnforcedOnLoad(t *testing.T) {
	dir := t.TempDir()
	doc := `{
	  "schema_version": 1,
	  "goals": {
	    "lying": {
	      "id": "lying",
	      "title": "claims to be done",
	      "status": "completed",
	      "source": "user",
	      "gate": "pr_open",
	      "created_at": "2026-01-02T03:04:05Z",
	      "updated_at": "2026-01-02T03:04:05Z"
	    }
	  }
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "goals.json"), []byte(doc), 0o600))

	s, err := NewStore(dir, logging.NewNop())
	require.NoError(t, err)

	husk, err := s.Get("lying")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, husk.Status)

	entries, err := s.Quarantined()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Reason, "completion")
}

func TestUnparseableDocumentQuarantinedWhole(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "goals.json"), []byte("not json at all"), 0o600))

	s, err := NewStore(dir, logging.NewNop())
	require.NoError(t, err)
	assert.Empty(t, s.List(Filter{}))

	entries, err := s.Quarantined()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var raw string
	require.NoError(t, json.Unmarshal(entries[0].Raw, &raw))
	assert.Equal(t, "not json at all", raw)

	// The store stays usable after quarantining the old document.
	_, err = s.Create(context.Background(), CreateParams{Title: "fresh start", Source: SourceUser})
	assert.NoError(t, err)
}

func TestExternalModificationRefused(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{Title: "guarded", Source: SourceUser})
	require.NoError(t, err)

	// Simulate another process rewriting the file.
	path := filepath.Join(dir, "goals.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1,"goals":{}}`), 0o600))

	_, err = s.Activate(ctx, g.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExternalModification)
	assert.ErrorIs(t, err, ErrStateCorruption)

	// The in-memory goal was rolled back, not half-mutated.
	got, err := s.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, got.Status)
}

func TestExternalDeletionRefused(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	g, err := s.Create(ctx, CreateParams{Title: "guarded", Source: SourceUser})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "goals.json")))

	_, err = s.Activate(ctx, g.ID)
	assert.ErrorIs(t, err, ErrExternalModification)
}
