package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a Store when its file is rewritten by another process.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   zerolog.Logger
	onReload func()

	timerMu  sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Debounce time.Duration
	Logger   zerolog.Logger
	// OnReload runs after every successful reload.
	OnReload func()
}

// NewWatcher creates a new credential file watcher
func NewWatcher(store *Store, cfg WatcherConfig) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	return &Watcher{
		store:    store,
		watcher:  fw,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
		onReload: cfg.OnReload,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the store directory. The directory is watched rather than the
// file because writes replace the file through a rename.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.store.Path())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.logger.Info().Str("path", w.store.Path()).Msg("Credential watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.store.Path()) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Credential watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule coalesces bursts of events into a single reload.
func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.store.Reload(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to reload credentials")
			return
		}
		w.logger.Info().Strs("providers", w.store.ListProviders()).Msg("Credentials reloaded")
		if w.onReload != nil {
			w.onReload()
		}
	})
}
