package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/conveyor/internal/logging"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := NewLog(dir, logging.NewNop())
	require.NoError(t, err)
	return l, dir
}

func TestAppendAndRead(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Record{
		Tool:        "git-cli",
		Category:    "source-control",
		GoalID:      "g1",
		Success:     true,
		DurationMS:  120,
		Helpfulness: 0.5,
	}))
	require.NoError(t, l.Append(ctx, Record{
		Tool:       "github-api",
		Category:   "hosting",
		GoalID:     "g1",
		Success:    false,
		ErrorKind:  KindTransient,
		Error:      "dial tcp: i/o timeout",
		DurationMS: 5000,
	}))

	all, err := l.Read(Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "git-cli", all[0].Tool)
	assert.False(t, all[0].Time.IsZero())
	assert.Equal(t, "github-api", all[1].Tool)
	assert.Equal(t, KindTransient, all[1].ErrorKind)
}

func TestAppendRequiresTool(t *testing.T) {
	l, _ := newTestLog(t)
	assert.Error(t, l.Append(context.Background(), Record{Success: true}))
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	l, _ := newTestLog(t)
	recs, err := l.Read(Query{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestQueryFilters(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.Append(ctx, Record{Time: base, Tool: "a", GoalID: "g1", Success: true}))
	require.NoError(t, l.Append(ctx, Record{Time: base.Add(time.Minute), Tool: "b", GoalID: "g1", Success: false, ErrorKind: KindPermanent}))
	require.NoError(t, l.Append(ctx, Record{Time: base.Add(2 * time.Minute), Tool: "a", GoalID: "g2", Success: false, ErrorKind: KindTransient}))

	byTool, err := l.Read(Query{Tool: "a"})
	require.NoError(t, err)
	assert.Len(t, byTool, 2)

	byGoal, err := l.Read(Query{GoalID: "g1"})
	require.NoError(t, err)
	assert.Len(t, byGoal, 2)

	failures, err := l.Read(Query{FailuresOnly: true})
	require.NoError(t, err)
	assert.Len(t, failures, 2)

	since, err := l.Read(Query{Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := l.Read(Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "g2", limited[0].GoalID)
}

func TestTail(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, Record{Tool: "a", Success: true, DurationMS: int64(i)}))
	}
	recs, err := l.Tail(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(3), recs[0].DurationMS)
	assert.Equal(t, int64(4), recs[1].DurationMS)
}

func TestCorruptLinesSkipped(t *testing.T) {
	l, dir := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, Record{Tool: "a", Success: true}))

	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not a record\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, l.Append(ctx, Record{Tool: "b", Success: true}))

	recs, err := l.Read(Query{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Tool)
	assert.Equal(t, "b", recs[1].Tool)
}

func TestSummarize(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Record{Tool: "a", Success: true, DurationMS: 100}))
	require.NoError(t, l.Append(ctx, Record{Tool: "a", Success: false, ErrorKind: KindTransient, DurationMS: 300}))
	require.NoError(t, l.Append(ctx, Record{Tool: "b", Success: false, ErrorKind: KindPermanent, DurationMS: 50}))

	sum, err := l.Summarize()
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)

	a := sum.Tools["a"]
	assert.Equal(t, 2, a.Calls)
	assert.Equal(t, 1, a.Failures)
	assert.Equal(t, 1, a.Transient)
	assert.Equal(t, 0, a.Permanent)
	assert.InDelta(t, 200.0, a.MeanDurationMS, 1e-9)

	b := sum.Tools["b"]
	assert.Equal(t, 1, b.Calls)
	assert.Equal(t, 1, b.Permanent)
}
