package workspace

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/drape-ai/drape/internal/event"
	"github.com/drape-ai/drape/internal/logging"
)

// watcherSet tracks one filesystem watcher per project.
type watcherSet struct {
	mu       sync.Mutex
	watchers map[string]*fsnotify.Watcher
}

func newWatcherSet() *watcherSet {
	return &watcherSet{watchers: make(map[string]*fsnotify.Watcher)}
}

// start watches the project directory and publishes file.changed events.
// Best-effort: failures are logged, never fatal.
func (w *watcherSet) start(projectID, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.watchers[projectID]; ok {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn().Str("project", projectID).Err(err).Msg("file watcher not started")
		return
	}
	if err := watcher.Add(dir); err != nil {
		logging.Warn().Str("project", projectID).Err(err).Msg("file watcher not started")
		watcher.Close()
		return
	}
	w.watchers[projectID] = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if skipWatchPath(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					rel, err := filepath.Rel(dir, ev.Name)
					if err != nil {
						rel = ev.Name
					}
					event.Publish(event.FileChanged, event.FileData{ProjectID: projectID, Path: rel})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Debug().Str("project", projectID).Err(err).Msg("watcher error")
			}
		}
	}()
}

// stop closes the project's watcher if one runs.
func (w *watcherSet) stop(projectID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if watcher, ok := w.watchers[projectID]; ok {
		watcher.Close()
		delete(w.watchers, projectID)
	}
}

// stopAll closes every watcher during shutdown.
func (w *watcherSet) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, watcher := range w.watchers {
		watcher.Close()
		delete(w.watchers, id)
	}
}

func skipWatchPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		switch part {
		case "node_modules", ".git", ".next", ".package-json-hash":
			return true
		}
	}
	return false
}
