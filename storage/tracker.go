package storage

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
)

// Tracker is the set of files written during the process lifetime that must
// be removed on shutdown. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{paths: make(map[string]struct{})}
}

func (t *Tracker) Add(path string) {
	t.mu.Lock()
	t.paths[path] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.paths)
}

func (t *Tracker) Paths() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.paths))
	for p := range t.paths {
		out = append(out, p)
	}
	t.mu.Unlock()
	slices.Sort(out)
	return out
}

// Cleanup removes every tracked file and empties the set. Failures are logged
// and never stop the remaining removals. It returns how many files were removed.
func (t *Tracker) Cleanup() int {
	t.mu.Lock()
	paths := t.paths
	t.paths = make(map[string]struct{})
	t.mu.Unlock()

	removed := 0
	for p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
			slog.Debug("Tracked file already gone", slog.String("path", p))
		default:
			slog.Warn("Failed to remove tracked file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
	slog.Info("Cleaned up uploaded files", slog.Int("removed", removed), slog.Int("tracked", len(paths)))
	return removed
}
