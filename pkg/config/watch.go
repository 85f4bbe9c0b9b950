package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config file when it changes on disk. The parent
// directory is watched rather than the file itself so atomic-rename saves
// (the way most editors and config managers write) keep working. Rapid
// write sequences are debounced into one reload.
type Watcher struct {
	path     string
	debounce time.Duration
	log      zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, log zerolog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: 200 * time.Millisecond,
		log:      log,
	}
}

// Watch blocks until ctx is done, invoking onReload with each successfully
// re-loaded config. A load failure keeps the previous config in effect.
func (w *Watcher) Watch(ctx context.Context, onReload func(*Config)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.log.Info().Str("path", w.path).Msg("watching config for changes")

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !w.relevant(ev) {
				continue
			}
			w.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("config file event")
			w.trigger(onReload)

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	return filepath.Clean(ev.Name) == w.path
}

// trigger resets the debounce timer; the reload runs after a quiet period.
func (w *Watcher) trigger(onReload func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.log.Error().Err(err).Msg("config reload failed, keeping previous config")
			return
		}
		w.log.Info().Str("path", w.path).Msg("config reloaded")
		onReload(cfg)
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
