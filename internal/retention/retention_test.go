package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/autotraficgen/proxypool/internal/store"
)

type fakeStore struct {
	batches   []int64
	evictErr  error
	criteria  []store.EvictCriteria
	reaped    int64
	reapCalls int
}

func (f *fakeStore) EvictDead(_ context.Context, c store.EvictCriteria) (int64, error) {
	f.criteria = append(f.criteria, c)
	if f.evictErr != nil {
		return 0, f.evictErr
	}
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

func (f *fakeStore) ReapExpiredLeases(context.Context) (int64, error) {
	f.reapCalls++
	return f.reaped, nil
}

func TestCleanupOnceBatchesUntilShort(t *testing.T) {
	fs := &fakeStore{batches: []int64{10, 10, 4, 10}, reaped: 2}
	c := NewCleaner(fs, Config{EvictDead: true, BatchSize: 10}, nil)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	evicted, reaped := c.CleanupOnce(context.Background())
	if evicted != 24 || reaped != 2 {
		t.Fatalf("evicted=%d reaped=%d", evicted, reaped)
	}
	if len(fs.criteria) != 3 {
		t.Fatalf("batches run = %d, want 3", len(fs.criteria))
	}
	got := fs.criteria[0]
	if got.MaxScore != DefaultMaxScore || got.MinBadCount != DefaultMinBadCount || !got.IdleBefore.Equal(now.Add(-DefaultMinIdle)) {
		t.Fatalf("criteria = %+v", got)
	}
}

func TestCleanupOnceOnlyReapsWhenEvictionDisabled(t *testing.T) {
	fs := &fakeStore{batches: []int64{5}, reaped: 1}
	c := NewCleaner(fs, Config{}, nil)

	evicted, reaped := c.CleanupOnce(context.Background())
	if evicted != 0 || reaped != 1 || len(fs.criteria) != 0 || fs.reapCalls != 1 {
		t.Fatalf("evicted=%d reaped=%d evict calls=%d", evicted, reaped, len(fs.criteria))
	}
}

func TestCleanupOnceStopsOnError(t *testing.T) {
	fs := &fakeStore{evictErr: errors.New("locked")}
	c := NewCleaner(fs, Config{EvictDead: true}, nil)
	if evicted, _ := c.CleanupOnce(context.Background()); evicted != 0 || len(fs.criteria) != 1 {
		t.Fatalf("evicted=%d calls=%d", evicted, len(fs.criteria))
	}
}
