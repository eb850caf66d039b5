package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watcher monitors the projects tree for conversation file changes. Each
// project is a subdirectory of the root, so the root and every project
// directory are watched; write bursts on a transcript are debounced per
// path before the path is emitted on Events.
type watcher struct {
	root     string
	debounce time.Duration
	log      zerolog.Logger

	fsw    *fsnotify.Watcher
	events chan string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newWatcher(root string, debounce time.Duration, log zerolog.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &watcher{
		root:     root,
		debounce: debounce,
		log:      log,
		fsw:      fsw,
		events:   make(chan string, 64),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start adds watches for the root and its project subdirectories and
// begins the event loop.
func (w *watcher) Start() error {
	if err := w.fsw.Add(w.root); err != nil {
		return err
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		if err := w.fsw.Add(dir); err != nil {
			w.log.Warn().Err(err).Str("dir", dir).Msg("failed to watch project directory")
		}
	}

	go w.loop()
	return nil
}

func (w *watcher) Stop() error {
	w.cancel()
	return w.fsw.Close()
}

func (w *watcher) loop() {
	for {
		select {
		case <-w.ctx.Done():
			w.mu.Lock()
			for _, t := range w.pending {
				t.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	// A new project directory appears under the root: watch it so its
	// transcripts are picked up without waiting for the next poll.
	if event.Op&fsnotify.Create != 0 && filepath.Dir(path) == w.root {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.log.Warn().Err(err).Str("dir", path).Msg("failed to watch new project directory")
			}
			return
		}
	}

	if !strings.HasSuffix(path, ".jsonl") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case w.events <- path:
		case <-w.ctx.Done():
		}
	})
}
