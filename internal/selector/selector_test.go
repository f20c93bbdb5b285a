package selector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/autotraficgen/proxypool/internal/db"
	"github.com/autotraficgen/proxypool/internal/events"
	"github.com/autotraficgen/proxypool/internal/models"
	"github.com/autotraficgen/proxypool/internal/store"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

type brokenStore struct{}

func (brokenStore) Claim(context.Context, store.ClaimRequest) ([]store.Lease, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (brokenStore) ReleaseLease(context.Context, string, bool) error {
	return errors.New("dial tcp: connection refused")
}

func (brokenStore) RenewLease(context.Context, string, time.Duration) (time.Time, error) {
	return time.Time{}, errors.New("dial tcp: connection refused")
}

func openTestStore(t *testing.T) (*store.Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:selector_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return store.New(conn), conn
}

func seed(t *testing.T, conn *gorm.DB, rows ...models.Proxy) {
	t.Helper()
	for i := range rows {
		if rows[i].Port == 0 {
			rows[i].Port = 8080
		}
		if rows[i].Protocol == "" {
			rows[i].Protocol = models.ProtocolHTTP
		}
		if errCreate := conn.Create(&rows[i]).Error; errCreate != nil {
			t.Fatalf("seed: %v", errCreate)
		}
	}
}

func TestSelectReturnsDistinctExitIPsAboveThreshold(t *testing.T) {
	st, conn := openTestStore(t)
	seed(t, conn,
		models.Proxy{Address: "10.0.0.1", RealIP: "198.51.100.1", Score: 0.95},
		models.Proxy{Address: "10.0.0.2", RealIP: "198.51.100.1", Score: 0.9},
		models.Proxy{Address: "10.0.0.3", RealIP: "198.51.100.2", Score: 0.6},
		models.Proxy{Address: "10.0.0.4", RealIP: "198.51.100.3", Score: 0.51},
		models.Proxy{Address: "10.0.0.5", RealIP: "198.51.100.4", Score: 0.5},
		models.Proxy{Address: "10.0.0.6", RealIP: "198.51.100.5", Score: 0.1},
	)
	sink := &recordingSink{}
	sel := New(st, Config{}, sink)

	leases, errSelect := sel.Select(context.Background(), Request{Count: 10, Holder: "worker-1"})
	if errSelect != nil {
		t.Fatalf("select: %v", errSelect)
	}
	want := []string{"10.0.0.1", "10.0.0.3", "10.0.0.4"}
	if len(leases) != len(want) {
		t.Fatalf("leases = %+v", leases)
	}
	seen := map[string]bool{}
	for i, l := range leases {
		if l.Address != want[i] {
			t.Fatalf("lease %d = %s, want %s", i, l.Address, want[i])
		}
		if l.Score <= DefaultMinScore {
			t.Fatalf("lease with score %v", l.Score)
		}
		if seen[l.RealIP] {
			t.Fatalf("duplicate real_ip %s", l.RealIP)
		}
		seen[l.RealIP] = true
		if i > 0 && leases[i-1].Score < l.Score {
			t.Fatalf("leases not ordered by score")
		}
	}

	if len(sink.events) != 1 || sink.events[0].Kind != events.KindSelection || sink.events[0].Fields["granted"] != 3 {
		t.Fatalf("selection event = %+v", sink.events)
	}
}

func TestSelectConcurrentSingleEligible(t *testing.T) {
	st, conn := openTestStore(t)
	seed(t, conn, models.Proxy{Address: "10.0.0.1", RealIP: "198.51.100.1", Score: 0.9})
	sel := New(st, Config{}, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases, errSelect := sel.Select(context.Background(), Request{Count: 1, Holder: fmt.Sprintf("w%d", i)})
			if errSelect != nil {
				t.Errorf("select %d: %v", i, errSelect)
				return
			}
			mu.Lock()
			results = append(results, len(leases))
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(results) != 2 || results[0]+results[1] != 1 {
		t.Fatalf("grants = %v, want exactly one winner", results)
	}
}

func TestSelectStoreUnreachableReturnsEmpty(t *testing.T) {
	sink := &recordingSink{}
	sel := New(brokenStore{}, Config{}, sink)

	leases, errSelect := sel.Select(context.Background(), Request{Count: 2})
	if errSelect != nil {
		t.Fatalf("select should not fail on store outage: %v", errSelect)
	}
	if leases == nil || len(leases) != 0 {
		t.Fatalf("leases = %#v, want empty slice", leases)
	}
	if len(sink.events) != 1 || sink.events[0].Fields["error"] == nil {
		t.Fatalf("expected selection event carrying the error, got %+v", sink.events)
	}
}

func TestSelectRejectsInvalidCount(t *testing.T) {
	sel := New(brokenStore{}, Config{MaxCount: 5}, nil)
	for _, n := range []int{0, -1, 6} {
		if _, errSelect := sel.Select(context.Background(), Request{Count: n}); !errors.Is(errSelect, ErrInvalidCount) {
			t.Fatalf("count %d err = %v", n, errSelect)
		}
	}
}

func TestReleaseAndRenew(t *testing.T) {
	st, conn := openTestStore(t)
	seed(t, conn, models.Proxy{Address: "10.0.0.1", RealIP: "198.51.100.1", Score: 0.9})
	sink := &recordingSink{}
	sel := New(st, Config{LeaseTTL: time.Minute}, sink)
	ctx := context.Background()

	leases, errSelect := sel.Select(ctx, Request{Count: 1, Holder: "w"})
	if errSelect != nil || len(leases) != 1 {
		t.Fatalf("select = %+v, %v", leases, errSelect)
	}
	expiresAt, errRenew := sel.Renew(ctx, leases[0].ID)
	if errRenew != nil || !expiresAt.After(time.Now()) {
		t.Fatalf("renew = %s, %v", expiresAt, errRenew)
	}
	if errRelease := sel.Release(ctx, leases[0].ID, true); errRelease != nil {
		t.Fatalf("release: %v", errRelease)
	}
	if errRelease := sel.Release(ctx, leases[0].ID, true); !errors.Is(errRelease, store.ErrLeaseNotFound) {
		t.Fatalf("double release err = %v", errRelease)
	}
	if _, errRenew := sel.Renew(ctx, leases[0].ID); !errors.Is(errRenew, store.ErrLeaseNotFound) {
		t.Fatalf("renew after release err = %v", errRenew)
	}

	var row models.Proxy
	conn.Take(&row)
	if row.UsedCount != 1 {
		t.Fatalf("used_count = %d, want 1", row.UsedCount)
	}
	last := sink.events[len(sink.events)-1]
	if last.Kind != events.KindLeaseEnded || last.Fields["used"] != true {
		t.Fatalf("release event = %+v", last)
	}
}
