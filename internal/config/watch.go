package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	appLog "calmirror/internal/log"
)

// Holder keeps the current configuration of a long-running process and
// reloads it when the file changes.
type Holder struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	onChange []func(*Config)
}

func NewHolder(path string, cfg *Config) *Holder {
	return &Holder{path: path, cfg: cfg}
}

// Get returns the current configuration. Callers must not mutate it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// OnChange registers fn to run after every successful reload.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Reload re-reads the file. On error the previous configuration stays.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cfg = cfg
	hooks := append([]func(*Config){}, h.onChange...)
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(cfg)
	}
	return nil
}

// Watch reloads on writes to the config file until ctx is done. The
// parent directory is watched so that atomic rename-over saves are seen.
func (h *Holder) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	target := filepath.Clean(h.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}
	appLog.Info("watching config file", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := h.Reload(); err != nil {
				appLog.Error("config reload failed; keeping previous config", err, "path", target)
				continue
			}
			appLog.Info("config reloaded", "path", target)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Error("config watcher error", err)
		}
	}
}
