// Package watcher polls the firmware directory and nudges idle sessions
// when new images land in it (release downloads, manual drops).
package watcher

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fkm-protocol/connector-go/pkg/state"
)

// DefaultInterval is the directory poll cadence.
const DefaultInterval = time.Second

// BuildWatcher emits a Build broadcast whenever the newest modification
// time in the firmware directory advances. The first scan only sets the
// baseline; connected sessions already checked the registry on admission.
type BuildWatcher struct {
	dir      string
	interval time.Duration
	state    *state.AppState
	logger   *slog.Logger

	latestModified time.Time
	primed         bool
}

// New creates a watcher over dir.
func New(dir string, appState *state.AppState, logger *slog.Logger) *BuildWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildWatcher{
		dir:      dir,
		interval: DefaultInterval,
		state:    appState,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (w *BuildWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.scan(); err != nil {
				w.logger.Error("firmware dir scan failed", "dir", w.dir, "error", err)
			}
		}
	}
}

// scan performs one poll round; called by Run and by tests.
func (w *BuildWatcher) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}

	newest := w.latestModified
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}

	if newest.After(w.latestModified) {
		w.latestModified = newest
		if w.primed {
			w.logger.Info("firmware directory changed", "dir", w.dir)
			w.state.NotifyBuild()
		}
	}
	w.primed = true
	return nil
}
