// Package selector hands workers distinct, well-scored proxies under a lease.
package selector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autotraficgen/proxypool/internal/events"
	"github.com/autotraficgen/proxypool/internal/metrics"
	internalsettings "github.com/autotraficgen/proxypool/internal/settings"
	"github.com/autotraficgen/proxypool/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMinScore = 0.5
	DefaultLeaseTTL = 10 * time.Minute
	DefaultMaxCount = 100
)

// ErrInvalidCount is returned when the requested count is outside [1, MaxCount].
var ErrInvalidCount = errors.New("selector: invalid count")

// Store is the lease surface of the proxy store.
type Store interface {
	Claim(ctx context.Context, req store.ClaimRequest) ([]store.Lease, error)
	ReleaseLease(ctx context.Context, id string, used bool) error
	RenewLease(ctx context.Context, id string, ttl time.Duration) (time.Time, error)
}

// Config holds the eligibility threshold and lease defaults.
type Config struct {
	MinScore float64
	LeaseTTL time.Duration
	MaxCount int
}

// Request asks for up to Count proxies on behalf of Holder.
type Request struct {
	Count  int
	Holder string
}

// Selector is safe for concurrent use.
type Selector struct {
	store Store
	cfg   Config
	sink  events.Sink
}

// New constructs a Selector; zero config fields take defaults.
func New(st Store, cfg Config, sink events.Sink) *Selector {
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultMaxCount
	}
	return &Selector{store: st, cfg: cfg, sink: sink}
}

// MaxCount is the largest count a single request may ask for.
func (s *Selector) MaxCount() int {
	return s.cfg.MaxCount
}

// Select leases up to req.Count proxies ordered by score. An unreachable store
// is logged and reported as an empty result; callers retry later.
func (s *Selector) Select(ctx context.Context, req Request) ([]store.Lease, error) {
	if req.Count <= 0 || req.Count > s.cfg.MaxCount {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrInvalidCount, req.Count, s.cfg.MaxCount)
	}
	holder := strings.TrimSpace(req.Holder)

	leases, errClaim := s.store.Claim(ctx, store.ClaimRequest{
		Count:    req.Count,
		MinScore: s.cfg.MinScore,
		Holder:   holder,
		TTL:      s.leaseTTL(),
	})
	metrics.ObserveSelection(req.Count, len(leases), errClaim)
	if errClaim != nil {
		log.WithError(errClaim).Warnf("selector: claim failed (count=%d holder=%s)", req.Count, holder)
		s.emit(ctx, req.Count, holder, nil, errClaim)
		return []store.Lease{}, nil
	}
	if leases == nil {
		leases = []store.Lease{}
	}
	s.emit(ctx, req.Count, holder, leases, nil)
	return leases, nil
}

// Release ends a lease; used reports whether the worker actually sent traffic through it.
func (s *Selector) Release(ctx context.Context, leaseID string, used bool) error {
	if errRelease := s.store.ReleaseLease(ctx, leaseID, used); errRelease != nil {
		return errRelease
	}
	events.Emit(ctx, s.sink, events.New(events.KindLeaseEnded, map[string]any{
		"lease_id": leaseID,
		"used":     used,
	}))
	return nil
}

// Renew extends a lease by the configured TTL.
func (s *Selector) Renew(ctx context.Context, leaseID string) (time.Time, error) {
	return s.store.RenewLease(ctx, leaseID, s.leaseTTL())
}

func (s *Selector) leaseTTL() time.Duration {
	if ttl, ok := internalsettings.LeaseTTL(); ok {
		return ttl
	}
	return s.cfg.LeaseTTL
}

func (s *Selector) emit(ctx context.Context, requested int, holder string, leases []store.Lease, err error) {
	fields := map[string]any{
		"requested": requested,
		"granted":   len(leases),
		"holder":    holder,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if len(leases) > 0 {
		proxies := make([]string, 0, len(leases))
		for _, l := range leases {
			proxies = append(proxies, l.URL())
		}
		fields["proxies"] = proxies
	}
	events.Emit(ctx, s.sink, events.New(events.KindSelection, fields))
}
