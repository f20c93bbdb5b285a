package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/autotraficgen/proxypool/internal/config"
	"github.com/autotraficgen/proxypool/internal/scoring"
)

func TestConfigWatcherSwapsPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if errWrite := os.WriteFile(path, []byte("scoring:\n  alpha: 0.5\n"), 0o600); errWrite != nil {
		t.Fatalf("write: %v", errWrite)
	}

	holder := scoring.NewHolder(scoring.DefaultPolicy())
	reloaded := make(chan config.Config, 4)
	w, errNew := NewConfigWatcher(path, holder, func(cfg config.Config) { reloaded <- cfg })
	if errNew != nil {
		t.Fatalf("new watcher: %v", errNew)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// An invalid edit must be ignored.
	if errWrite := os.WriteFile(path, []byte("scoring:\n  speed_weight: 0.9\n"), 0o600); errWrite != nil {
		t.Fatalf("write invalid: %v", errWrite)
	}
	time.Sleep(3 * reloadDebounce)
	if got := holder.Load(); got != scoring.DefaultPolicy() {
		t.Fatalf("invalid config applied: %+v", got)
	}

	if errWrite := os.WriteFile(path, []byte("scoring:\n  alpha: 0.8\n  sample_floor: 0.1\n"), 0o600); errWrite != nil {
		t.Fatalf("write valid: %v", errWrite)
	}
	select {
	case cfg := <-reloaded:
		if cfg.Scoring.Alpha != 0.8 {
			t.Fatalf("reloaded alpha = %v", cfg.Scoring.Alpha)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reload not observed")
	}
	if got := holder.Load(); got.Alpha != 0.8 || got.SampleFloor != 0.1 {
		t.Fatalf("holder policy = %+v", got)
	}
}

func TestNewConfigWatcherValidatesArgs(t *testing.T) {
	if _, errNew := NewConfigWatcher("", scoring.NewHolder(scoring.DefaultPolicy()), nil); errNew == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, errNew := NewConfigWatcher("config.yaml", nil, nil); errNew == nil {
		t.Fatalf("expected error for nil holder")
	}
}
