package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if errWrite := os.WriteFile(path, []byte(body), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, errLoad := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Path != "" {
		t.Fatalf("path = %q, want empty", cfg.Path)
	}
	if cfg.Probe.Concurrency != 100 || cfg.Probe.Timeout != 5*time.Second || cfg.Selector.MinScore != 0.5 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Retention.Enabled {
		t.Fatalf("retention must be opt-in")
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: "postgres://pool:pw@db:5432/pool?sslmode=disable"
probe:
  timeout: 3s
  concurrency: 20
  idle_interval: 1m
scoring:
  alpha: 0.7
selector:
  lease_ttl: 15m
retention:
  enabled: true
`)
	t.Setenv(EnvProviderKey, "from-env")
	t.Setenv(EnvServerAddr, "127.0.0.1:9999")

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Path != path || !strings.HasPrefix(cfg.Database.DSN, "postgres://") {
		t.Fatalf("file not applied: %+v", cfg)
	}
	if cfg.Probe.Timeout != 3*time.Second || cfg.Probe.Concurrency != 20 || cfg.Probe.IdleInterval != time.Minute {
		t.Fatalf("probe section = %+v", cfg.Probe)
	}
	if cfg.Selector.LeaseTTL != 15*time.Minute || !cfg.Retention.Enabled {
		t.Fatalf("selector/retention = %+v / %+v", cfg.Selector, cfg.Retention)
	}
	if cfg.Provider.APIKey != "from-env" || cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Provider, cfg.Server)
	}
	if p := cfg.Scoring.Policy(); p.Alpha != 0.7 || p.SpeedWeight != 0.5 || p.MaxResponseTime != 10*time.Second {
		t.Fatalf("policy = %+v", p)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"weights":     "scoring:\n  speed_weight: 0.9\n",
		"concurrency": "probe:\n  concurrency: 0\n",
		"target":      "probe:\n  target_url: ftp://example.com\n",
		"min score":   "selector:\n  min_score: 1.5\n",
		"zero score":  "selector:\n  min_score: 0\n",
		"format":      "log:\n  format: xml\n",
		"yaml":        "probe: [unclosed\n",
	}
	for name, body := range cases {
		if _, errLoad := Load(writeConfig(t, body)); errLoad == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Fatalf("default path = %q", got)
	}
	t.Setenv(EnvConfigPath, "/etc/proxypool.yaml")
	if got := ResolveConfigPath(""); got != "/etc/proxypool.yaml" {
		t.Fatalf("env path = %q", got)
	}
	if got := ResolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("flag path = %q", got)
	}
}
