package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/autotraficgen/proxypool/internal/config"
	"github.com/autotraficgen/proxypool/internal/models"
	"github.com/autotraficgen/proxypool/internal/security"
	internalsettings "github.com/autotraficgen/proxypool/internal/settings"
)

func writeConfig(t *testing.T, extra string) config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf("database:\n  dsn: %q\nserver:\n  addr: \"127.0.0.1:0\"\n  jwt_secret: \"app-test\"\n%s", filepath.Join(dir, "pool.db"), extra)
	path := filepath.Join(dir, "config.yaml")
	if errWrite := os.WriteFile(path, []byte(body), 0o600); errWrite != nil {
		t.Fatalf("write config: %v", errWrite)
	}
	t.Cleanup(func() { internalsettings.StoreDBConfig(time.Time{}, nil) })
	return config.AppConfig{ConfigPath: path}
}

func TestTokenUsesConfiguredSecret(t *testing.T) {
	cfg := writeConfig(t, "")

	token, errToken := Token(cfg, "worker-3", security.RoleWorker, time.Hour)
	if errToken != nil {
		t.Fatalf("token: %v", errToken)
	}
	claims, errParse := security.ParseToken("app-test", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.Subject != "worker-3" || claims.Role != security.RoleWorker {
		t.Fatalf("claims = %+v", claims)
	}
	if _, errToken = Token(cfg, "", security.RoleWorker, time.Hour); errToken == nil {
		t.Fatalf("expected error for empty subject")
	}
	if _, errToken = Token(cfg, "w", security.RoleWorker, 0); errToken == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestIngestSelectRelease(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"ip":"10.1.1.1","port":8080,"real_ip":"10.1.1.1","http":1},{"ip":"10.1.1.2","port":1080,"real_ip":"10.1.1.2","socks5":1}]`))
	}))
	defer provider.Close()
	cfg := writeConfig(t, fmt.Sprintf("provider:\n  url: %q\n", provider.URL))
	ctx := context.Background()

	res, errIngest := Ingest(ctx, cfg)
	if errIngest != nil {
		t.Fatalf("ingest: %v", errIngest)
	}
	if res.Inserted != 2 {
		t.Fatalf("inserted = %d, want 2", res.Inserted)
	}

	leases, errSelect := Select(ctx, cfg, 2, "cli")
	if errSelect != nil {
		t.Fatalf("select: %v", errSelect)
	}
	if len(leases) != 0 {
		t.Fatalf("fresh proxies sit at the threshold and must not be leased, got %d", len(leases))
	}

	rt, errOpen := Open(ctx, cfg)
	if errOpen != nil {
		t.Fatalf("open: %v", errOpen)
	}
	if errUpdate := rt.DB.Model(&models.Proxy{}).Where("address = ?", "10.1.1.2").Update("score", 0.8).Error; errUpdate != nil {
		t.Fatalf("update: %v", errUpdate)
	}
	_ = rt.Close()

	leases, errSelect = Select(ctx, cfg, 2, "cli")
	if errSelect != nil {
		t.Fatalf("select: %v", errSelect)
	}
	if len(leases) != 1 || leases[0].URL() != "socks5://10.1.1.2:1080" {
		t.Fatalf("leases = %+v", leases)
	}
	if errRelease := Release(ctx, cfg, leases[0].ID, true); errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}
	if errRelease := Release(ctx, cfg, leases[0].ID, true); errRelease == nil {
		t.Fatalf("expected error releasing twice")
	}
}

func TestIngestRequiresProviderURL(t *testing.T) {
	cfg := writeConfig(t, "provider:\n  url: \"\"\n")
	if _, errIngest := Ingest(context.Background(), cfg); errIngest == nil {
		t.Fatalf("expected error without provider url")
	}
}

func TestRunServerStopsOnCancel(t *testing.T) {
	cfg := writeConfig(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunServer(ctx, cfg) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case errRun := <-done:
		if errRun != nil {
			t.Fatalf("run server: %v", errRun)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("server did not stop")
	}
}
