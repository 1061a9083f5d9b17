package storage

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrModifiedExternally means a guarded file no longer matches the
// stat remembered from this process's own last read or write.
var ErrModifiedExternally = errors.New("file modified outside this process")

// ModGuard detects foreign writes to a single-writer state file by
// comparing size and mtime against the last touch this process made.
// It is not safe for concurrent use; callers hold their own locks.
type ModGuard struct {
	path    string
	size    int64
	modTime time.Time
	have    bool
}

// NewModGuard guards the file at path. Until Remember is called the
// guard treats an existing file as foreign.
func NewModGuard(path string) *ModGuard {
	return &ModGuard{path: path}
}

// Remember records the current stat of the guarded file. Call it
// after every read or write this process performs.
func (g *ModGuard) Remember() {
	info, err := os.Stat(g.path)
	if err != nil {
		g.have = false
		return
	}
	g.size = info.Size()
	g.modTime = info.ModTime()
	g.have = true
}

// Check returns ErrModifiedExternally when the file on disk differs
// from the remembered stat, including deletion and unexpected
// appearance. Call it before overwriting the file.
func (g *ModGuard) Check() error {
	info, err := os.Stat(g.path)
	if errors.Is(err, os.ErrNotExist) {
		if g.have {
			return fmt.Errorf("%w: %s was deleted", ErrModifiedExternally, g.path)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", g.path, err)
	}
	if !g.have {
		return fmt.Errorf("%w: %s appeared without this process writing it", ErrModifiedExternally, g.path)
	}
	if info.Size() != g.size || !info.ModTime().Equal(g.modTime) {
		return fmt.Errorf("%w: %s", ErrModifiedExternally, g.path)
	}
	return nil
}

// Last returns the remembered stat, letting a watcher distinguish our
// own writes from foreign ones.
func (g *ModGuard) Last() (mod time.Time, size int64, ok bool) {
	return g.modTime, g.size, g.have
}
