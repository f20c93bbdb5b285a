// Package watcher reloads tunables from the config file while the process runs.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/autotraficgen/proxypool/internal/config"
	"github.com/autotraficgen/proxypool/internal/scoring"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const reloadDebounce = 250 * time.Millisecond

// ConfigWatcher swaps the scoring policy whenever the config file changes.
type ConfigWatcher struct {
	path     string
	holder   *scoring.Holder
	watcher  *fsnotify.Watcher
	onReload func(config.Config)
}

// NewConfigWatcher watches the directory holding path, so editors that
// replace the file by rename are still noticed.
func NewConfigWatcher(path string, holder *scoring.Holder, onReload func(config.Config)) (*ConfigWatcher, error) {
	if path == "" {
		return nil, errors.New("watcher: empty config path")
	}
	if holder == nil {
		return nil, errors.New("watcher: nil policy holder")
	}
	abs, errAbs := filepath.Abs(path)
	if errAbs != nil {
		return nil, fmt.Errorf("watcher: resolve %s: %w", path, errAbs)
	}
	w, errWatcher := fsnotify.NewWatcher()
	if errWatcher != nil {
		return nil, fmt.Errorf("watcher: %w", errWatcher)
	}
	if errAdd := w.Add(filepath.Dir(abs)); errAdd != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watcher: watch %s: %w", filepath.Dir(abs), errAdd)
	}
	return &ConfigWatcher{path: abs, holder: holder, watcher: w, onReload: onReload}, nil
}

// Run blocks until ctx is done, reloading on every change to the file.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()
	log.Infof("config watcher started (path=%s)", w.path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(errWatch).Warn("config watcher: fsnotify error")
		case <-debounce:
			debounce = nil
			w.reload()
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, errLoad := config.Load(w.path)
	if errLoad != nil {
		log.WithError(errLoad).Warn("config watcher: reload rejected, keeping current policy")
		return
	}
	policy := cfg.Scoring.Policy()
	w.holder.Store(policy)
	log.WithFields(log.Fields{
		"alpha":        policy.Alpha,
		"beta":         policy.Beta,
		"sample_floor": policy.SampleFloor,
		"sample_all":   policy.SampleAll,
	}).Info("config watcher: scoring policy reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
