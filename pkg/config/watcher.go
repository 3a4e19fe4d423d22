package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// ReloadFunc receives every successfully reloaded configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads a configuration file when it changes. Reloads that fail to
// parse or validate are logged and the previous configuration stays current.
type Watcher struct {
	path      string
	overrides []Override
	logger    *slog.Logger
	debounce  time.Duration

	mu       sync.RWMutex
	current  *Config
	onReload []ReloadFunc
	onError  func(error)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithReloadHandler registers fn to run after each successful reload.
func WithReloadHandler(fn ReloadFunc) WatcherOption {
	return func(w *Watcher) { w.onReload = append(w.onReload, fn) }
}

// WithErrorHandler registers fn to run when a reload is rejected.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithOverrides re-applies overrides on every reload so flags keep
// precedence over the file.
func WithOverrides(overrides ...Override) WatcherOption {
	return func(w *Watcher) { w.overrides = append(w.overrides, overrides...) }
}

// NewWatcher starts watching path. initial is the configuration already
// loaded from it.
func NewWatcher(path string, initial *Config, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     absPath,
		logger:   logger,
		debounce: defaultDebounce,
		current:  initial,
		watcher:  fw,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.watchLoop(ctx)
	return w, nil
}

// Current returns the most recent valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					w.reload()
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

// reload loads the file and publishes it. Changes to settings that need a
// restart are reported but not applied by the subscribers.
func (w *Watcher) reload() {
	next, err := Load(w.path, w.overrides...)
	if err != nil {
		w.logger.Error("Configuration reload rejected", "path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	handlers := append([]ReloadFunc(nil), w.onReload...)
	w.mu.Unlock()

	if prev != nil {
		if fields := RestartRequired(prev, next); len(fields) > 0 {
			w.logger.Warn("Configuration changes require a restart", "sections", fields)
		}
	}
	w.logger.Info("Configuration reloaded", "path", w.path)

	for _, fn := range handlers {
		fn(next)
	}
}

// RestartRequired lists the top-level sections that differ between a and b
// outside the hot-reloadable subset.
func RestartRequired(a, b *Config) []string {
	strip := func(c *Config) Config {
		out := *c
		out.Limits = LimitsConfig{}
		out.Cache.TTL = 0
		out.Server.SyncWait = 0
		out.Executor.Timeout = b.Executor.Timeout
		out.Logging.Level = ""
		out.Jobs.QueuedTimeout = 0
		out.Jobs.ProcessingTimeout = 0
		return out
	}
	sa, sb := strip(a), strip(b)

	var changed []string
	check := func(name string, x, y any) {
		if !reflect.DeepEqual(x, y) {
			changed = append(changed, name)
		}
	}
	check("mode", sa.Mode, sb.Mode)
	check("server", sa.Server, sb.Server)
	check("auth", sa.Auth, sb.Auth)
	check("executor", sa.Executor, sb.Executor)
	check("cache", sa.Cache, sb.Cache)
	check("jobs", sa.Jobs, sb.Jobs)
	check("dispatch", sa.Dispatch, sb.Dispatch)
	check("telemetry", sa.Telemetry, sb.Telemetry)
	check("logging", sa.Logging, sb.Logging)
	return changed
}
