package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads configuration when files under the config directory change
// and publishes the hot-reloadable subset to subscribers. Store endpoints and
// credentials are deliberately excluded: changing those requires a restart,
// and the watcher logs when a reload touches them.
type Watcher struct {
	mu        sync.RWMutex
	current   *Config
	callbacks []func(Tunables)

	basePath string
	logger   *zap.Logger
	fs       *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher starts watching the configuration directory. Hot reload is
// enabled in every environment; only the tunable subset is ever applied.
func NewWatcher(initial *Config, basePath string, logger *zap.Logger) (*Watcher, error) {
	if basePath == "" {
		basePath = "config"
	}
	w := &Watcher{
		current:  initial,
		basePath: basePath,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	w.fs = fs

	if err := w.watchConfigFiles(); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch config files: %w", err)
	}
	go w.watchLoop()

	logger.Info("configuration hot reload enabled",
		zap.String("dir", basePath),
		zap.String("environment", string(initial.Environment)),
	)
	return w, nil
}

func (w *Watcher) watchConfigFiles() error {
	info, err := os.Stat(w.basePath)
	if err != nil || !info.IsDir() {
		// Nothing to watch; reloads simply never fire.
		w.logger.Debug("config directory absent, hot reload idle", zap.String("dir", w.basePath))
		return nil
	}
	return filepath.Walk(w.basePath, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() || isConfigFile(path) {
			if err := w.fs.Add(path); err != nil {
				w.logger.Warn("failed to watch config path", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
}

func (w *Watcher) watchLoop() {
	defer w.fs.Close()

	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isConfigFile(event.Name) {
				continue
			}
			w.logger.Info("configuration file changed",
				zap.String("file", event.Name),
				zap.String("op", event.Op.String()),
			)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

// reload re-runs the full loader, validates, and applies only the tunable
// subset. An invalid file keeps the previous configuration in force.
func (w *Watcher) reload() {
	env := w.Current().Environment
	next, err := NewLoader(w.basePath, env).Load()
	if err != nil {
		w.logger.Error("configuration reload rejected", zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.current
	merged := *prev
	merged.Batch = next.Batch
	merged.Saga = next.Saga
	merged.Strategy = next.Strategy
	merged.Distributor = next.Distributor
	merged.Logging.Level = next.Logging.Level
	w.current = &merged
	w.mu.Unlock()

	if restartOnly := diffRestartOnly(prev, next); len(restartOnly) > 0 {
		w.logger.Warn("configuration changes require restart, ignored by hot reload",
			zap.Strings("sections", restartOnly),
		)
	}

	tunables := TunablesOf(&merged)
	w.notify(tunables)
	w.logger.Info("configuration tunables reloaded")
}

// diffRestartOnly names sections whose changes hot reload does not apply.
func diffRestartOnly(prev, next *Config) []string {
	var sections []string
	if prev.Stores.Relational.DSN != next.Stores.Relational.DSN ||
		prev.Stores.Document.Endpoint != next.Stores.Document.Endpoint ||
		prev.Stores.Vector.Endpoint != next.Stores.Vector.Endpoint ||
		prev.Stores.Graph.URI != next.Stores.Graph.URI ||
		prev.Stores.Embedded.Path != next.Stores.Embedded.Path {
		sections = append(sections, "stores")
	}
	if prev.Server.Port != next.Server.Port || prev.Server.Host != next.Server.Host {
		sections = append(sections, "server")
	}
	if prev.Cache.Addr != next.Cache.Addr || prev.Cache.Enabled != next.Cache.Enabled {
		sections = append(sections, "cache")
	}
	return sections
}

// OnChange registers a callback invoked with each accepted tunables snapshot.
func (w *Watcher) OnChange(callback func(Tunables)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, callback)
	w.mu.Unlock()
}

// Current returns the configuration currently in force.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *Watcher) notify(t Tunables) {
	w.mu.RLock()
	callbacks := make([]func(Tunables), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for i, cb := range callbacks {
		go func(idx int, fn func(Tunables)) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("tunables callback panicked",
						zap.Int("callback", idx),
						zap.Any("panic", r),
					)
				}
			}()
			fn(t)
		}(i, cb)
	}
}

func isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
