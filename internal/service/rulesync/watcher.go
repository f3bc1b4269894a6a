package rulesync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/zhouzirui/canned-assistant/backend/internal/storage"
)

// Watcher turns changes to file-backed storage keys into notifications. It
// plays the role of a storage-change event for processes sharing a storage
// directory: the write itself is the publication, so Publish does nothing.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	dir         string
	files       map[string]string // file name -> key
	pending     map[string]time.Time
	debounceDur time.Duration
	subs        handlers
	logger      *zap.Logger
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher watches dir for changes to the files backing keys.
func NewWatcher(dir string, logger *zap.Logger, keys ...string) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(keys))
	for _, key := range keys {
		files[storage.FileName(key)] = key
	}
	return &Watcher{
		watcher:     fw,
		dir:         dir,
		files:       files,
		pending:     make(map[string]time.Time),
		debounceDur: 50 * time.Millisecond,
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("watching rule storage", zap.String("dir", w.dir))

	go w.run(ctx)
	return nil
}

// Stop ends the event loop and releases the OS watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Error("closing watcher", zap.Error(err))
	}
}

func (w *Watcher) Publish(context.Context, Notification) error {
	return nil
}

func (w *Watcher) Subscribe(h Handler) func() {
	return w.subs.add(h)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.debounceDur / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
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
			w.logger.Error("watcher error", zap.Error(err))
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if _, ok := w.files[name]; !ok {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	w.pending[name] = time.Now()
}

// flush emits one notification per file that has been quiet for the debounce
// interval, carrying the file content at that moment.
func (w *Watcher) flush(ctx context.Context) {
	now := time.Now()
	for name, seen := range w.pending {
		if now.Sub(seen) < w.debounceDur {
			continue
		}
		delete(w.pending, name)

		n := Notification{Key: w.files[name], At: now.UTC()}
		data, err := os.ReadFile(filepath.Join(w.dir, name))
		switch {
		case err == nil:
			n.Payload = data
		case errors.Is(err, os.ErrNotExist):
		default:
			w.logger.Warn("reading changed rule file", zap.String("file", name), zap.Error(err))
			continue
		}
		w.subs.dispatch(ctx, n)
	}
}
