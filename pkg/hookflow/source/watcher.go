package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/expr"
)

// ProducerFileWatcher is the producer name stamped on file events.
const ProducerFileWatcher = "file-watcher"

// DefaultWatchDebounce is the quiet period before buffered file changes are
// emitted.
const DefaultWatchDebounce = 200 * time.Millisecond

// Action is the kind of change observed on a path.
type Action string

// File change actions.
const (
	ActionCreated  Action = "created"
	ActionModified Action = "modified"
	ActionDeleted  Action = "deleted"
	ActionRenamed  Action = "renamed"
)

// EventType returns the file.* event type for the action.
func (a Action) EventType() string {
	return "file." + string(a)
}

// Priority returns the tier file events of this action are submitted to.
// Content edits are routine; structural changes are not.
func (a Action) Priority() event.Priority {
	if a == ActionModified {
		return event.Normal
	}
	return event.High
}

// EmitFunc receives events produced by a source.
type EmitFunc func(ctx context.Context, evt event.Event) error

// WatcherConfig configures a FileWatcher.
type WatcherConfig struct {
	// Roots are watched recursively. Defaults to the current directory.
	Roots []string

	// Include admits only paths matching one of these globs (relative to
	// the root). Empty admits everything.
	Include []string

	// Exclude drops paths matching any of these globs. Excluded directories
	// are not descended into.
	Exclude []string

	// Debounce is the quiet period before buffered changes are emitted.
	Debounce time.Duration

	// SessionID is stamped on every emitted event.
	SessionID string
}

// FileWatcher turns filesystem changes under a set of roots into file.*
// events.
//
// Changes are buffered per path until the tree has been quiet for the
// debounce period. A path created and then written inside one period is
// reported once as created.
type FileWatcher struct {
	cfg    WatcherConfig
	emit   EmitFunc
	logger *slog.Logger

	watcher *fsnotify.Watcher
	roots   []string

	mu      sync.Mutex
	pending map[string]Action
	order   []string
}

// NewFileWatcher creates a watcher over cfg.Roots. Run starts delivery.
func NewFileWatcher(cfg WatcherConfig, emit EmitFunc, logger *slog.Logger) (*FileWatcher, error) {
	if emit == nil {
		return nil, errors.New("file watcher requires an emit function")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatchDebounce
	}
	if len(cfg.Roots) == 0 {
		cfg.Roots = []string{"."}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &FileWatcher{
		cfg:     cfg,
		emit:    emit,
		logger:  logger,
		watcher: fw,
		pending: make(map[string]Action),
	}
	for _, root := range cfg.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("resolve watch root %q: %w", root, err)
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		if err := w.addTree(abs, abs); err != nil {
			fw.Close()
			return nil, err
		}
		w.roots = append(w.roots, abs)
	}
	return w, nil
}

// addTree watches dir and every non-excluded directory below it.
func (w *FileWatcher) addTree(root, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish while walking.
			if p != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.excluded(w.rel(root, p)) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %q: %w", p, err)
		}
		return nil
	})
}

// Run delivers events until ctx is cancelled. Buffered changes are flushed
// before it returns.
func (w *FileWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.cfg.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx))
			return nil

		case <-timer.C:
			w.flush(ctx)

		case ev, ok := <-w.watcher.Events:
			if !ok {
				w.flush(ctx)
				return nil
			}
			if w.observe(ev) {
				timer.Reset(w.cfg.Debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if w.logger != nil {
				w.logger.Warn("file watcher error", slog.String("error", err.Error()))
			}
		}
	}
}

// observe buffers one fsnotify event. It reports whether anything was
// buffered.
func (w *FileWatcher) observe(ev fsnotify.Event) bool {
	name := filepath.Clean(ev.Name)
	root, ok := w.rootOf(name)
	if !ok {
		return false
	}
	rel := w.rel(root, name)

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if !w.excluded(rel) {
				if err := w.addTree(root, name); err != nil && w.logger != nil {
					w.logger.Warn("failed to watch new directory",
						slog.String("path", name), slog.String("error", err.Error()))
				}
			}
			return false
		}
	}

	var action Action
	switch {
	case ev.Has(fsnotify.Create):
		action = ActionCreated
	case ev.Has(fsnotify.Write):
		action = ActionModified
	case ev.Has(fsnotify.Remove):
		action = ActionDeleted
	case ev.Has(fsnotify.Rename):
		action = ActionRenamed
	default:
		return false
	}
	if !w.admit(rel) {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	prev, seen := w.pending[name]
	if !seen {
		w.order = append(w.order, name)
	}
	if prev == ActionCreated && action == ActionModified {
		return true
	}
	w.pending[name] = action
	return true
}

func (w *FileWatcher) flush(ctx context.Context) {
	w.mu.Lock()
	order := w.order
	pending := w.pending
	w.order = nil
	w.pending = make(map[string]Action)
	w.mu.Unlock()

	for _, name := range order {
		evt := w.event(name, pending[name])
		if err := w.emit(ctx, evt); err != nil && w.logger != nil {
			w.logger.Warn("file event rejected",
				slog.String("path", name),
				slog.String("event_type", evt.Type),
				slog.String("error", err.Error()))
		}
	}
}

func (w *FileWatcher) event(name string, action Action) event.Event {
	var size int64
	if action != ActionDeleted && action != ActionRenamed {
		if info, err := os.Stat(name); err == nil {
			size = info.Size()
		}
	}
	return event.New(action.EventType(), map[string]any{
		"file_path": name,
		"action":    string(action),
		"size":      size,
	},
		event.WithPriority(action.Priority()),
		event.WithSessionID(w.cfg.SessionID),
		event.WithProducer(ProducerFileWatcher),
	)
}

func (w *FileWatcher) rootOf(name string) (string, bool) {
	for _, root := range w.roots {
		if name == root {
			return root, true
		}
		if rel, err := filepath.Rel(root, name); err == nil && filepath.IsLocal(rel) {
			return root, true
		}
	}
	return "", false
}

func (w *FileWatcher) rel(root, name string) string {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return filepath.ToSlash(name)
	}
	return filepath.ToSlash(rel)
}

func (w *FileWatcher) excluded(rel string) bool {
	for _, pattern := range w.cfg.Exclude {
		if expr.Match(pattern, rel) {
			return true
		}
		// A pattern such as ".git/**" also excludes the directory itself.
		if expr.Match(pattern, rel+"/") {
			return true
		}
	}
	return false
}

func (w *FileWatcher) admit(rel string) bool {
	if w.excluded(rel) {
		return false
	}
	if len(w.cfg.Include) == 0 {
		return true
	}
	for _, pattern := range w.cfg.Include {
		if expr.Match(pattern, rel) {
			return true
		}
	}
	return false
}
