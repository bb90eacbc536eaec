// Package watcher reloads the image index when the image directory changes.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// ReloadFunc rebuilds the index. Engine.Reload satisfies it.
type ReloadFunc func(ctx context.Context) error

// Watcher batches changes to accepted images and triggers one reload per
// quiet period.
type Watcher struct {
	root    string
	accepts func(name string) bool
	reload  ReloadFunc

	// pending holds image events seen since the last reload
	pending      map[string]fsnotify.Op
	lastEvent    time.Time
	mu           sync.Mutex
	debounceTime time.Duration

	// callback for status updates
	onEvent func(event string, name string)
}

// Option configures the watcher.
type Option func(*Watcher)

// WithDebounceTime sets how long the directory must stay quiet before a
// reload.
func WithDebounceTime(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounceTime = d
	}
}

// WithEventCallback sets a callback for image events and reloads.
func WithEventCallback(fn func(event string, name string)) Option {
	return func(w *Watcher) {
		w.onEvent = fn
	}
}

// New creates a watcher for the image directory root. accepts filters the
// file names that matter.
func New(root string, accepts func(name string) bool, reload ReloadFunc, opts ...Option) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:         absRoot,
		accepts:      accepts,
		reload:       reload,
		pending:      make(map[string]fsnotify.Op),
		debounceTime: 2 * time.Second,
		onEvent:      func(string, string) {},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start watches until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// The corpus is flat; subdirectories are never indexed.
	if err := watcher.Add(w.root); err != nil {
		return err
	}

	log.Info("Watching for image changes", "dir", w.root)

	go w.processDebounced(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("Watcher error", "error", err)
		}
	}
}

// handleEvent queues an event if it concerns an accepted image.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)

	if strings.HasPrefix(name, ".") {
		return
	}

	if !w.accepts(name) {
		return
	}

	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		return
	}

	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	w.pending[name] |= event.Op
	w.lastEvent = time.Now()
	w.mu.Unlock()
}

// processDebounced checks for a quiet directory periodically.
func (w *Watcher) processDebounced(ctx context.Context) {
	ticker := time.NewTicker(w.debounceTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flushDebounced(ctx)
		}
	}
}

// flushDebounced reloads once if events are pending and none arrived
// within the debounce time.
func (w *Watcher) flushDebounced(ctx context.Context) bool {
	w.mu.Lock()
	if len(w.pending) == 0 || time.Since(w.lastEvent) < w.debounceTime {
		w.mu.Unlock()
		return false
	}

	events := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		op := events[name]
		event := "change"
		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			event = "remove"
		}
		w.onEvent(event, name)
		log.Debug("Image changed", "event", event, "name", name)
	}

	log.Info("Image directory changed, reloading", "changes", len(events))

	if err := w.reload(ctx); err != nil {
		if ctx.Err() == nil {
			log.Error("Reload failed, keeping previous index", "error", err)
		}
		return true
	}

	w.onEvent("reload", "")
	return true
}
