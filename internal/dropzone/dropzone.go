// Package dropzone watches a directory and reports files placed in it,
// standing in for drag-and-drop in a terminal.
package dropzone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long a file must stay quiet before it is reported.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reports each file once its writes have settled. A file written
// again later is reported again.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	dir      string
	debounce time.Duration
	pending  map[string]time.Time
	onFile   func(path string)
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// New creates a Watcher for dir, creating the directory if needed.
// debounce <= 0 selects DefaultDebounce.
func New(dir string, debounce time.Duration, onFile func(path string)) (*Watcher, error) {
	if onFile == nil {
		return nil, errors.New("dropzone: nil callback")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create drop directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		watcher:  w,
		dir:      dir,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		onFile:   onFile,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Start begins watching. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.running = true
	log.Info().Str("dir", w.dir).Msg("[dropzone] watching")

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit. Files still
// settling are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		log.Warn().Err(err).Msg("[dropzone] close failed")
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.debounce / 3)
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
			log.Warn().Err(err).Msg("[dropzone] watcher error")
		case now := <-ticker.C:
			for _, path := range w.settled(now) {
				w.report(path)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.pending[event.Name] = time.Now()
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(w.pending, event.Name)
	}
}

// settled removes and returns the paths quiet since at least the debounce
// window.
func (w *Watcher) settled(now time.Time) []string {
	var out []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	return out
}

func (w *Watcher) report(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	log.Info().Str("path", path).Msg("[dropzone] file dropped")
	w.onFile(path)
}
