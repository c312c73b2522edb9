// Package watcher ingests files dropped under a conversation-keyed directory
// tree. The first path segment beneath the drop root names the conversation a
// file belongs to: <root>/<conversation-id>/notes.txt. Files placed directly
// under the root have no conversation and are ignored.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// DropWatcher watches the drop root and invokes callbacks on file changes,
// debounced so a file still being written is picked up once.
type DropWatcher struct {
	root       string
	extensions []string
	// onDrop receives the file path and the conversation ID derived from it.
	onDrop   func(path, conversationID string)
	onRemove func(path string)

	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger // optional; when set, logs debug events
}

// Option configures a DropWatcher.
type Option func(*DropWatcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(w *DropWatcher) { w.logger = l }
}

// WithDebounce overrides the debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(w *DropWatcher) { w.debounce = d }
}

// NewDropWatcher creates a watcher over root. extensions filter which files
// are ingested (empty = all).
func NewDropWatcher(root string, extensions []string, onDrop func(path, conversationID string), onRemove func(path string), opts ...Option) *DropWatcher {
	w := &DropWatcher{
		root:        filepath.Clean(root),
		extensions:  extensions,
		onDrop:      onDrop,
		onRemove:    onRemove,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. It creates the drop root if missing and runs until
// Stop is called.
func (w *DropWatcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if _, err := os.Stat(w.root); os.IsNotExist(err) {
		if err := os.MkdirAll(w.root, 0755); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	if w.logger != nil {
		w.logger.Debug("drop watcher starting", zap.String("root", w.root), zap.Strings("extensions", w.extensions))
	}
	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = w.watcher.Close()
		w.watcher = nil
		w.started = false
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()
	go w.run()
	return nil
}

func (w *DropWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil && w.logger != nil {
				w.logger.Debug("drop watcher error", zap.Error(err))
			}
		}
	}
}

func (w *DropWatcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if w.logger != nil {
		w.logger.Debug("drop watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	}
	switch ev.Op {
	case fsnotify.Create, fsnotify.Write:
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			// New conversation directory: watch it and ingest what it holds.
			w.mu.Lock()
			watcher := w.watcher
			w.mu.Unlock()
			if watcher != nil {
				if err := watcher.Add(path); err != nil && w.logger != nil {
					w.logger.Debug("drop watcher failed to add directory", zap.String("path", path), zap.Error(err))
				}
			}
			w.syncDirectory(path)
			return
		}
		if w.matchExtension(path) {
			w.debounceDrop(path)
		}
	case fsnotify.Remove, fsnotify.Rename:
		w.cancelDebounce(path)
		if w.matchExtension(path) && w.onRemove != nil {
			w.onRemove(path)
		}
	}
}

// ConversationFromPath derives the conversation ID for a dropped file: the
// first path segment under the drop root. Files directly under the root, or
// outside it, yield an empty ID.
func (w *DropWatcher) ConversationFromPath(path string) string {
	rel, err := filepath.Rel(w.root, filepath.Clean(path))
	if err != nil {
		return ""
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func (w *DropWatcher) dispatchDrop(path string) {
	conversationID := w.ConversationFromPath(path)
	if conversationID == "" {
		if w.logger != nil {
			w.logger.Warn("file dropped outside a conversation directory, ignoring", zap.String("path", path))
		}
		return
	}
	if w.onDrop != nil {
		w.onDrop(path, conversationID)
	}
}

func (w *DropWatcher) matchExtension(path string) bool {
	if len(w.extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range w.extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

func (w *DropWatcher) debounceDrop(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	t := time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		logger := w.logger
		w.mu.Unlock()
		if logger != nil {
			logger.Debug("drop watcher ingesting file (debounced)", zap.String("path", path))
		}
		w.dispatchDrop(path)
	})
	w.debounceMap[path] = t
}

func (w *DropWatcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

// syncDirectory dispatches every matching file already present under dir.
func (w *DropWatcher) syncDirectory(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if w.matchExtension(path) {
			w.dispatchDrop(path)
		}
		return nil
	})
}

// SyncExistingFiles ingests all matching files already present under the drop
// root. Call after Start to pick up files dropped while the daemon was down.
func (w *DropWatcher) SyncExistingFiles() {
	if w.logger != nil {
		w.logger.Debug("drop watcher syncing existing files", zap.String("root", w.root))
	}
	w.syncDirectory(w.root)
}

// Stop stops the watcher and releases resources.
func (w *DropWatcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
