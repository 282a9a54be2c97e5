package config

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/dotsetgreg/personamem/pkg/memory"
)

// Watcher holds the live configuration and serves the engine's tuning.
// Reload swaps in a freshly loaded file; the dimension table is fixed for
// the lifetime of the process.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	tuning  atomic.Pointer[memory.Tuning]

	mu      sync.Mutex
	modTime time.Time
}

func NewWatcher(path string, cfg *Config) *Watcher {
	w := &Watcher{path: path}
	w.store(cfg)
	if info, err := os.Stat(path); err == nil {
		w.modTime = info.ModTime()
	}
	return w
}

func (w *Watcher) store(cfg *Config) {
	t := cfg.Tuning()
	w.current.Store(cfg)
	w.tuning.Store(&t)
}

// Config returns the current configuration. Callers must not mutate it.
func (w *Watcher) Config() *Config {
	return w.current.Load()
}

// Tuning implements memory.TuningSource.
func (w *Watcher) Tuning() memory.Tuning {
	return *w.tuning.Load()
}

// Reload re-reads the file. An invalid file leaves the current
// configuration in place and returns the error.
func (w *Watcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := LoadConfig(w.path)
	if err != nil {
		logger.WarnCF("config", "Config reload rejected", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return err
	}
	prev := w.current.Load()
	if !sameDimensions(prev.Dimensions(), next.Dimensions()) {
		logger.WarnCF("config", "Dimension table changes need a restart, keeping the current table", map[string]interface{}{
			"path": w.path,
		})
		next.Memory.Dimensions = prev.Dimensions()
	}
	if next.Storage != prev.Storage || next.Queue.Kind != prev.Queue.Kind || next.SessionState.Kind != prev.SessionState.Kind {
		logger.WarnCF("config", "Storage changes take effect after a restart", map[string]interface{}{
			"path": w.path,
		})
	}
	if next.Log.Level != prev.Log.Level {
		logger.SetLevel(logger.ParseLevel(next.Log.Level))
	}
	w.store(next)
	if info, err := os.Stat(w.path); err == nil {
		w.modTime = info.ModTime()
	}
	logger.InfoCF("config", "Config reloaded", map[string]interface{}{
		"path":      w.path,
		"keepalive": next.Memory.KeepaliveSeconds,
	})
	return nil
}

// Run polls the file's modification time every interval and reloads on
// change until ctx is done.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.changed() {
				_ = w.Reload()
			}
		}
	}
}

func (w *Watcher) changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return info.ModTime().After(w.modTime)
}

func sameDimensions(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
