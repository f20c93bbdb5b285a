package db

import (
	"strings"
	"testing"
	"time"

	"github.com/autotraficgen/proxypool/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openMigratedTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestMigrateSQLiteProxyColumns(t *testing.T) {
	conn := openMigratedTestDB(t)

	for _, column := range []string{"address", "port", "protocol", "real_ip", "score", "good_count", "bad_count", "response_time", "used_count", "last_checked"} {
		if !conn.Migrator().HasColumn("proxies", column) {
			t.Fatalf("proxies missing column %s", column)
		}
	}
	if !conn.Migrator().HasIndex(&models.Proxy{}, "uq_proxies_endpoint") {
		t.Fatalf("proxies missing unique endpoint index")
	}
	for _, table := range []string{"proxy_leases", "settings"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
	}
}

func TestMigrateSQLiteRejectsDuplicateEndpoint(t *testing.T) {
	conn := openMigratedTestDB(t)

	row := models.Proxy{Address: "10.0.0.1", Port: 8080, Protocol: models.ProtocolHTTP, RealIP: "10.0.0.1", Score: 0.5}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	dup := models.Proxy{Address: "10.0.0.1", Port: 8080, Protocol: models.ProtocolHTTP, RealIP: "10.0.0.9", Score: 0.9}
	if errCreate := conn.Create(&dup).Error; errCreate == nil {
		t.Fatalf("expected unique violation for duplicate endpoint")
	}
	other := models.Proxy{Address: "10.0.0.1", Port: 8080, Protocol: models.ProtocolSOCKS5, RealIP: "10.0.0.1", Score: 0.5}
	if errCreate := conn.Create(&other).Error; errCreate != nil {
		t.Fatalf("same endpoint with another protocol should insert: %v", errCreate)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	conn := openMigratedTestDB(t)
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("second migrate: %v", errMigrate)
	}
	lease := models.ProxyLease{ID: "lease-1", ProxyID: 1, RealIP: "10.0.0.1", Holder: "w", ExpiresAt: time.Now().UTC()}
	if errCreate := conn.Create(&lease).Error; errCreate != nil {
		t.Fatalf("create lease: %v", errCreate)
	}
}

func TestDetectDialectFromDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/pool":     DialectPostgres,
		"host=localhost user=postgres dbname=db": DialectPostgres,
		"file:pool.db":                           DialectSQLite,
		"sqlite://data/pool.db":                  DialectSQLite,
		"pool.db":                                DialectSQLite,
	}
	for dsn, want := range cases {
		got, err := detectDialectFromDSN(dsn)
		if err != nil {
			t.Fatalf("detect %q: %v", dsn, err)
		}
		if got != want {
			t.Fatalf("detect %q: expected %s, got %s", dsn, want, got)
		}
	}
	if _, err := detectDialectFromDSN("mysql://root@localhost/db"); err == nil {
		t.Fatalf("expected error for unsupported dsn")
	}
}

func TestEnsureSQLiteParamsKeepsExisting(t *testing.T) {
	got := ensureSQLiteParams("file:pool.db?_busy_timeout=100")
	if got != "file:pool.db?_busy_timeout=100&_journal_mode=WAL&_synchronous=NORMAL&_pragma=busy_timeout(5000)" {
		t.Fatalf("unexpected dsn %s", got)
	}
	if kept := ensureSQLiteParams("pool.db?_pragma=busy_timeout(100)"); strings.Count(kept, "busy_timeout(") != 1 {
		t.Fatalf("busy_timeout pragma duplicated: %s", kept)
	}
	if sqlitePathFromDSN("file:shared?mode=memory&cache=shared") != "" {
		t.Fatalf("memory dsn should not map to a path")
	}
	if sqlitePathFromDSN("data/pool.db?_busy_timeout=5000") != "data/pool.db" {
		t.Fatalf("unexpected path")
	}
}
