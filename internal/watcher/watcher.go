// Package watcher monitors the configured roots and reports newly created,
// modified or removed files whose names match a root's suffix.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/CageChen/htscan/internal/config"
	"github.com/CageChen/htscan/internal/logger"
	"github.com/CageChen/htscan/internal/metrics"
	"github.com/CageChen/htscan/internal/scanner"
	"github.com/fsnotify/fsnotify"
)

// EventType represents the type of file system event
type EventType int

// File system event types.
const (
	EventCreate EventType = iota
	EventWrite
	EventRemove
	EventRename
)

func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventWrite:
		return "write"
	case EventRemove:
		return "remove"
	case EventRename:
		return "rename"
	default:
		return "unknown"
	}
}

// MarshalText encodes the type by name in JSON messages.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is a change to a file matching a root's suffix.
type Event struct {
	Type        EventType `json:"type"`
	RootKey     string    `json:"root"`
	DisplayPath string    `json:"displayPath"`
	// Path is the absolute location; it is not sent to clients.
	Path string `json:"-"`
}

// Callback is a function called when file changes occur
type Callback func(Event)

// Watcher monitors file system changes under the configured roots
type Watcher struct {
	watcher   *fsnotify.Watcher
	cfg       *config.Config
	prefixes  []string
	metrics   metrics.Recorder
	callbacks []Callback
	mu        sync.RWMutex
	watched   map[string]bool
	done      chan struct{}
	stopOnce  sync.Once
}

// New creates a new file system watcher. recorder may be nil.
func New(cfg *config.Config, recorder metrics.Recorder) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}

	return &Watcher{
		watcher:  w,
		cfg:      cfg,
		prefixes: cfg.AbsRoots(),
		metrics:  recorder,
		watched:  make(map[string]bool),
		done:     make(chan struct{}),
	}, nil
}

// OnChange registers a callback for file change events
func (w *Watcher) OnChange(cb Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching every directory below the configured roots
func (w *Watcher) Start() error {
	for _, root := range w.cfg.Roots {
		w.addTree(w.cfg.AbsPath(root), root.Exclude)
	}

	go w.eventLoop()
	return nil
}

// addTree registers dir and its subdirectories. Symlinked directories are not
// followed.
func (w *Watcher) addTree(dir string, exclude []string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Debug("watcher: cannot walk %s: %v", path, err)
			if d != nil && d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.cfg.IsExcluded(path, exclude) {
			return filepath.SkipDir
		}
		w.add(path)
		return nil
	})
	if err != nil {
		logger.Warn("watcher: failed to walk %s: %v", dir, err)
	}
}

func (w *Watcher) add(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watched[dir] {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		logger.Warn("watcher: cannot watch %s: %v", dir, err)
		return
	}
	w.watched[dir] = true
	w.metrics.SetWatchedDirs(len(w.watched))
}

func (w *Watcher) forget(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watched[dir] {
		delete(w.watched, dir)
		w.metrics.SetWatchedDirs(len(w.watched))
	}
}

// Watched returns the number of directories currently watched.
func (w *Watcher) Watched() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.watched)
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	var eventType EventType
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		eventType = EventCreate
		if isDir(path) {
			if root, ok := w.rootFor(path); ok && !w.cfg.IsExcluded(path, root.Exclude) {
				w.addTree(path, root.Exclude)
			}
			return
		}
	case event.Op&fsnotify.Write == fsnotify.Write:
		eventType = EventWrite
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		eventType = EventRemove
		w.forget(path)
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		eventType = EventRename
		w.forget(path)
	default:
		return
	}

	events := w.match(eventType, path)
	if len(events) == 0 {
		return
	}

	w.mu.RLock()
	callbacks := make([]Callback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, e := range events {
		logger.Info("watcher: %s %s in %s", e.Type, e.DisplayPath, e.RootKey)
		for _, cb := range callbacks {
			cb(e)
		}
	}
}

// match returns one event per root whose tree contains path and whose
// suffix matches the file name.
func (w *Watcher) match(t EventType, path string) []Event {
	name := filepath.Base(path)
	var out []Event
	for _, root := range w.cfg.Roots {
		if !strings.HasSuffix(name, root.Suffix) || !within(w.cfg.AbsPath(root), path) {
			continue
		}
		if w.excludedBelow(w.cfg.AbsPath(root), path, root.Exclude) {
			continue
		}
		out = append(out, Event{
			Type:        t,
			RootKey:     root.Key,
			DisplayPath: scanner.DisplayPath(w.prefixes, path),
			Path:        path,
		})
	}
	return out
}

// excludedBelow reports whether any path element between root and path is
// excluded.
func (w *Watcher) excludedBelow(root, path string, exclude []string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if w.cfg.IsExcluded(part, exclude) {
			return true
		}
	}
	return false
}

// rootFor returns the most specific root containing path.
func (w *Watcher) rootFor(path string) (config.Root, bool) {
	var best config.Root
	bestLen := -1
	for _, root := range w.cfg.Roots {
		abs := w.cfg.AbsPath(root)
		if within(abs, path) && len(abs) > bestLen {
			best, bestLen = root, len(abs)
		}
	}
	return best, bestLen >= 0
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}

func isDir(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
