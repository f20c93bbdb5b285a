// Package retention evicts permanently dead proxies and reaps expired leases.
package retention

import (
	"context"
	"time"

	"github.com/autotraficgen/proxypool/internal/events"
	"github.com/autotraficgen/proxypool/internal/metrics"
	"github.com/autotraficgen/proxypool/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultInterval    = 6 * time.Hour
	DefaultMaxScore    = 0.05
	DefaultMinBadCount = 20
	DefaultMinIdle     = 72 * time.Hour
	DefaultBatchSize   = 500

	maxDeleteBatchesPerRun = 2000
)

// Store is the store surface the cleaner uses.
type Store interface {
	EvictDead(ctx context.Context, c store.EvictCriteria) (int64, error)
	ReapExpiredLeases(ctx context.Context) (int64, error)
}

// Config selects which proxies count as dead. EvictDead false only reaps leases.
type Config struct {
	EvictDead   bool
	Interval    time.Duration
	MaxScore    float64
	MinBadCount int64
	MinIdle     time.Duration
	BatchSize   int
}

// Cleaner periodically deletes dead proxies and expired leases.
type Cleaner struct {
	store Store
	cfg   Config
	sink  events.Sink
	now   func() time.Time
}

// NewCleaner fills unset fields with defaults.
func NewCleaner(st Store, cfg Config, sink events.Sink) *Cleaner {
	if st == nil {
		return nil
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxScore <= 0 {
		cfg.MaxScore = DefaultMaxScore
	}
	if cfg.MinBadCount <= 0 {
		cfg.MinBadCount = DefaultMinBadCount
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = DefaultMinIdle
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Cleaner{store: st, cfg: cfg, sink: sink, now: time.Now}
}

// Run cleans once immediately, then every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) error {
	if c == nil {
		return nil
	}
	log.Infof("retention cleaner started (interval=%s evict_dead=%t)", c.cfg.Interval, c.cfg.EvictDead)
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.CleanupOnce(ctx)
		timer := time.NewTimer(c.cfg.Interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return nil
		case <-timer.C:
		}
	}
}

// CleanupOnce runs a single pass and returns the evicted proxy and reaped lease counts.
func (c *Cleaner) CleanupOnce(ctx context.Context) (int64, int64) {
	if c == nil {
		return 0, 0
	}
	reaped, errReap := c.store.ReapExpiredLeases(ctx)
	if errReap != nil {
		log.WithError(errReap).Warn("retention cleaner: reap expired leases failed")
	}

	if !c.cfg.EvictDead {
		return 0, reaped
	}
	criteria := store.EvictCriteria{
		MaxScore:    c.cfg.MaxScore,
		MinBadCount: c.cfg.MinBadCount,
		IdleBefore:  c.now().UTC().Add(-c.cfg.MinIdle),
		BatchSize:   c.cfg.BatchSize,
	}

	evictedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, errEvict := c.store.EvictDead(ctx, criteria)
		if errEvict != nil {
			log.WithError(errEvict).Warn("retention cleaner: evict batch failed")
			break
		}
		if n <= 0 {
			break
		}
		evictedTotal += n
		if n < int64(criteria.BatchSize) {
			break
		}
	}

	if evictedTotal > 0 {
		metrics.AddEvicted(evictedTotal)
		log.Infof("retention cleaner: evicted %d dead proxies (idle_before=%s)", evictedTotal, criteria.IdleBefore.Format(time.RFC3339))
		events.Emit(ctx, c.sink, events.New(events.KindEvicted, map[string]any{
			"evicted":     evictedTotal,
			"idle_before": criteria.IdleBefore,
		}))
	}
	return evictedTotal, reaped
}
