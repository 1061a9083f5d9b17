// Package monitor watches the state directory for writes this process
// did not make. The stores already refuse to overwrite a file that
// changed under them; the monitor is the early warning in between,
// raising an alert the moment a foreign hand touches goals.json or
// tool-reliability.json instead of at the next save.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/logging"
)

// ErrWatcherFailed indicates the filesystem watcher could not start.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// settleDelay gives a store's own save time to land its bookkeeping
// before the changed file is compared against it.
const settleDelay = 100 * time.Millisecond

// Ownership reports the owning store's last own write. Satisfied by
// *goals.Store and *ledger.Ledger.
type Ownership interface {
	LastWrite() (mod time.Time, size int64, ok bool)
}

// Alert is one detected foreign modification.
type Alert struct {
	Path    string
	Op      string
	Removed bool
	Time    time.Time
}

type watchedFile struct {
	owner       Ownership
	alertedMod  time.Time
	alertedSize int64
}

// Monitor owns the watcher and the set of files it guards.
type Monitor struct {
	watcher *fsnotify.Watcher
	files   map[string]*watchedFile
	dirs    map[string]struct{}
	alerts  chan Alert
	stop    chan struct{}
	logger  *logging.Logger
}

// New creates a monitor with no watches yet.
func New(logger *logging.Logger) (*Monitor, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Monitor{
		watcher: watcher,
		files:   make(map[string]*watchedFile),
		dirs:    make(map[string]struct{}),
		alerts:  make(chan Alert, 16),
		stop:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Watch registers one file and its owner. The containing directory is
// watched rather than the file itself, because the stores replace the
// file by rename on every save. Call before Start.
func (m *Monitor) Watch(path string, owner Ownership) error {
	if owner == nil {
		return errors.New("owner required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if _, ok := m.dirs[dir]; !ok {
		if err := m.watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		m.dirs[dir] = struct{}{}
	}
	m.files[abs] = &watchedFile{owner: owner}
	return nil
}

// Start begins processing events in a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go m.processEvents(ctx)
}

// Stop stops the monitor and releases the watcher.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
		return
	default:
		close(m.stop)
		_ = m.watcher.Close()
	}
}

// Alerts returns the channel foreign modifications are reported on.
// The channel is buffered; an alert nobody drains is dropped, the log
// and metric still record it.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alerts
}

func (m *Monitor) processEvents(ctx context.Context) {
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(ctx, event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn(ctx, "state watcher error", zap.Error(err))
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	watched, ok := m.files[abs]
	if !ok {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	time.Sleep(settleDelay)

	mod, size, haveOwn := watched.owner.LastWrite()
	info, statErr := os.Stat(abs)
	if os.IsNotExist(statErr) {
		if !haveOwn {
			return
		}
		m.raise(ctx, Alert{Path: abs, Op: event.Op.String(), Removed: true, Time: time.Now().UTC()})
		return
	}
	if statErr != nil {
		m.logger.Warn(ctx, "stat watched file", zap.String("path", abs), zap.Error(statErr))
		return
	}
	if haveOwn && info.Size() == size && info.ModTime().Equal(mod) {
		// Our own save.
		return
	}
	if !haveOwn {
		// The store has not written yet; a file appearing now is not
		// ours to vouch for, but without a baseline there is nothing
		// to compare. The store's guard rejects it at the next save.
		return
	}
	if watched.alertedMod.Equal(info.ModTime()) && watched.alertedSize == info.Size() {
		return
	}
	watched.alertedMod = info.ModTime()
	watched.alertedSize = info.Size()
	m.raise(ctx, Alert{Path: abs, Op: event.Op.String(), Time: time.Now().UTC()})
}

func (m *Monitor) raise(ctx context.Context, alert Alert) {
	ForeignWritesTotal.WithLabelValues(filepath.Base(alert.Path)).Inc()
	m.logger.Warn(ctx, "state file modified outside this process",
		zap.String("path", alert.Path),
		zap.String("op", alert.Op),
		zap.Bool("removed", alert.Removed))
	select {
	case m.alerts <- alert:
	default:
	}
}
