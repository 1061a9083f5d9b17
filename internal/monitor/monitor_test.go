package monitor

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

type fakeOwner struct {
	mod  time.Time
	size int64
	have bool
}

func (f *fakeOwner) LastWrite() (time.Time, int64, bool) {
	return f.mod, f.size, f.have
}

// remember records the file's current stat as the owner's own write.
func (f *fakeOwner) remember(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	f.mod = info.ModTime()
	f.size = info.Size()
	f.have = true
}

func startTestMonitor(t *testing.T, path string, owner Ownership) *Monitor {
	t.Helper()
	m, err := New(logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Watch(path, owner))
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func waitAlert(t *testing.T, m *Monitor) Alert {
	t.Helper()
	select {
	case alert := <-m.Alerts():
		return alert
	case <-time.After(3 * time.Second):
		t.Fatal("no alert raised")
		return Alert{}
	}
}

func assertQuiet(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case alert := <-m.Alerts():
		t.Fatalf("unexpected alert for %s (%s)", alert.Path, alert.Op)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestForeignWriteRaisesAlert(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goals.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"goals":{}}`), 0o600))

	owner := &fakeOwner{}
	owner.remember(t, path)
	m := startTestMonitor(t, path, owner)

	require.NoError(t, os.WriteFile(path, []byte(`{"goals":{},"edited":true}`), 0o600))

	alert := waitAlert(t, m)
	assert.Equal(t, path, alert.Path)
	assert.False(t, alert.Removed)
}

func TestOwnWriteIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goals.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"goals":{}}`), 0o600))

	owner := &fakeOwner{}
	owner.remember(t, path)
	m := startTestMonitor(t, path, owner)

	// The store's save sequence: write, then remember the new stat.
	require.NoError(t, os.WriteFile(path, []byte(`{"goals":{"g1":{}}}`), 0o600))
	owner.remember(t, path)

	assertQuiet(t, m)
}

func TestForeignDeletionRaisesAlert(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tool-reliability.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	owner := &fakeOwner{}
	owner.remember(t, path)
	m := startTestMonitor(t, path, owner)

	require.NoError(t, os.Remove(path))

	alert := waitAlert(t, m)
	assert.True(t, alert.Removed)
}

func TestUnwatchedFileIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goals.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	owner := &fakeOwner{}
	owner.remember(t, path)
	m := startTestMonitor(t, path, owner)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x"), 0o600))

	assertQuiet(t, m)
}

func TestWatchRequiresOwner(t *testing.T) {
	m, err := New(logging.NewNop())
	require.NoError(t, err)
	defer m.Stop()
	require.Error(t, m.Watch("somewhere", nil))
}
