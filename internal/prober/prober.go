// Package prober runs the continuous probe, score and top-up cycle.
package prober

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autotraficgen/proxypool/internal/events"
	"github.com/autotraficgen/proxypool/internal/ingest"
	"github.com/autotraficgen/proxypool/internal/metrics"
	"github.com/autotraficgen/proxypool/internal/models"
	"github.com/autotraficgen/proxypool/internal/probe"
	"github.com/autotraficgen/proxypool/internal/scoring"
	internalsettings "github.com/autotraficgen/proxypool/internal/settings"
	"github.com/autotraficgen/proxypool/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultConcurrency  = 100
	defaultIdleInterval = 10 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Store is the persistence surface the prober needs.
type Store interface {
	Snapshot(ctx context.Context) ([]models.Proxy, error)
	RecordProbe(ctx context.Context, w store.ProbeWrite) error
}

// Checker probes a single proxy.
type Checker interface {
	Check(ctx context.Context, p models.Proxy) probe.Result
}

// Ingester tops up the pool after each cycle.
type Ingester interface {
	Ingest(ctx context.Context) ingest.Result
}

// Config tunes the cycle.
type Config struct {
	Concurrency   int
	RatePerSecond float64
	IdleInterval  time.Duration
	ProbeTimeout  time.Duration
}

// CycleStats describes one completed cycle.
type CycleStats struct {
	Snapshot    int
	Sampled     int
	Succeeded   int
	Failed      int
	WriteErrors int
	Inserted    int64
}

// Prober drives probing. Only RunCycle's snapshot is held in memory, and only for one cycle.
type Prober struct {
	store    Store
	checker  Checker
	ingester Ingester
	policy   *scoring.Holder
	sink     events.Sink
	cfg      Config

	limiter *rate.Limiter
	random  func() float64
	refresh func(ctx context.Context) error
	now     func() time.Time
}

// Option customizes a Prober.
type Option func(*Prober)

// WithRandom replaces the sampling source; fn must return values in [0,1).
func WithRandom(fn func() float64) Option {
	return func(p *Prober) {
		if fn != nil {
			p.random = fn
		}
	}
}

// WithSettingsRefresh installs a hook run at the top of every cycle.
func WithSettingsRefresh(fn func(ctx context.Context) error) Option {
	return func(p *Prober) { p.refresh = fn }
}

// WithEvents sets the sink for score_changed events.
func WithEvents(sink events.Sink) Option {
	return func(p *Prober) { p.sink = sink }
}

// New constructs a Prober. A nil ingester disables top-up.
func New(st Store, checker Checker, ingester Ingester, policy *scoring.Holder, cfg Config, opts ...Option) *Prober {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if policy == nil {
		policy = scoring.NewHolder(scoring.DefaultPolicy())
	}
	p := &Prober{
		store:    st,
		checker:  checker,
		ingester: ingester,
		policy:   policy,
		cfg:      cfg,
		random:   rand.Float64,
		now:      time.Now,
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run loops until ctx is cancelled. It always returns nil; a panic inside a cycle is not recovered.
func (p *Prober) Run(ctx context.Context) error {
	if p == nil {
		return nil
	}
	log.Infof("prober started (concurrency=%d idle_interval=%s)", p.cfg.Concurrency, p.cfg.IdleInterval)
	for {
		if ctx.Err() != nil {
			return nil
		}
		stats, errCycle := p.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errCycle == nil && (stats.Sampled > 0 || stats.Inserted > 0) {
			continue
		}
		timer := time.NewTimer(p.cfg.IdleInterval)
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

// RunCycle performs one snapshot, sample, probe, persist and ingest pass.
// An error means the snapshot could not be read and nothing was probed.
func (p *Prober) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	defer func() { metrics.ObserveCycle(time.Since(started)) }()

	if p.refresh != nil {
		if errRefresh := p.refresh(ctx); errRefresh != nil {
			log.WithError(errRefresh).Warn("prober: refresh settings failed")
		}
	}
	policy, concurrency := p.resolveCycleConfig()

	proxies, errSnap := p.store.Snapshot(ctx)
	if errSnap != nil {
		log.WithError(errSnap).Warn("prober: snapshot failed, skipping cycle")
		return stats, errSnap
	}
	stats.Snapshot = len(proxies)

	var (
		succeeded, failed, writeErrors atomic.Int64
		wg                             sync.WaitGroup
	)
	sem := make(chan struct{}, concurrency)
	shouldStop := false

	for _, px := range proxies {
		if shouldStop {
			break
		}
		if !policy.ShouldProbe(px.Score, p.random()) {
			continue
		}
		if p.limiter != nil {
			if errWait := p.limiter.Wait(ctx); errWait != nil {
				break
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			shouldStop = true
		}
		if shouldStop {
			break
		}
		stats.Sampled++

		wg.Add(1)
		go func(px models.Proxy) {
			defer wg.Done()
			defer func() { <-sem }()
			ok, errWrite := p.probeOne(ctx, px, policy)
			switch {
			case errWrite != nil:
				writeErrors.Add(1)
			case ok:
				succeeded.Add(1)
			default:
				failed.Add(1)
			}
		}(px)
	}
	wg.Wait()

	stats.Succeeded = int(succeeded.Load())
	stats.Failed = int(failed.Load())
	stats.WriteErrors = int(writeErrors.Load())

	if p.ingester != nil && ctx.Err() == nil {
		stats.Inserted = p.ingester.Ingest(ctx).Inserted
	}
	log.Debugf("prober: cycle done (snapshot=%d sampled=%d ok=%d failed=%d write_errors=%d inserted=%d)",
		stats.Snapshot, stats.Sampled, stats.Succeeded, stats.Failed, stats.WriteErrors, stats.Inserted)
	return stats, nil
}

// probeOne checks px and persists the new score. In-flight probes and their
// writes are detached from ctx so shutdown does not drop a finished result.
func (p *Prober) probeOne(ctx context.Context, px models.Proxy, policy scoring.Policy) (bool, error) {
	detached := context.WithoutCancel(ctx)
	probeCtx, cancel := context.WithTimeout(detached, p.cfg.ProbeTimeout)
	res := p.checker.Check(probeCtx, px)
	cancel()
	metrics.ObserveProbe(res.OK, res.Latency)

	breakdown := policy.Score(px.Score, scoring.Outcome{
		Success:   res.OK,
		Latency:   res.Latency,
		GoodCount: px.GoodCount,
		BadCount:  px.BadCount,
		UsedCount: px.UsedCount,
	})
	write := store.ProbeWrite{
		ProxyID:   px.ID,
		Score:     breakdown.Score,
		Success:   res.OK,
		Latency:   res.Latency,
		CheckedAt: p.now().UTC(),
	}
	if res.OK {
		write.ExitIP = res.ExitIP
	}
	if errWrite := p.store.RecordProbe(detached, write); errWrite != nil {
		log.WithError(errWrite).Warnf("prober: record probe failed (proxy=%d)", px.ID)
		return res.OK, errWrite
	}

	fields := map[string]any{
		"proxy_id":  px.ID,
		"proxy":     px.URL(),
		"success":   res.OK,
		"old_score": breakdown.Previous,
		"score":     breakdown.Score,
	}
	if res.OK {
		fields["latency_ms"] = res.Latency.Milliseconds()
		fields["calc"] = breakdown.Calculated
		if res.ExitIP != "" && res.ExitIP != px.RealIP {
			fields["real_ip"] = res.ExitIP
		}
	} else if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	events.Emit(detached, p.sink, events.New(events.KindScoreChanged, fields))
	return res.OK, nil
}

func (p *Prober) resolveCycleConfig() (scoring.Policy, int) {
	policy := p.policy.Load()
	if floor, ok := internalsettings.ProbeSampleFloor(); ok {
		policy.SampleFloor = floor
	}
	concurrency := p.cfg.Concurrency
	if n, ok := internalsettings.ProbeMaxConcurrency(); ok {
		concurrency = n
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return policy, concurrency
}
