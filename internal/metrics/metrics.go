// Package metrics registers the pool's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Probe results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Selection outcomes.
const (
	OutcomeFull    = "full"
	OutcomePartial = "partial"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
)

var (
	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxypool_probes_total",
		Help: "Probes issued, by result",
	}, []string{"result"})

	probeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxypool_probe_latency_seconds",
		Help:    "Round trip latency of successful probes",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 9), // 50ms to ~12.8s
	})

	probeCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxypool_probe_cycle_duration_seconds",
		Help:    "Wall time of one full probe cycle",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	ingestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxypool_ingested_total",
		Help: "New proxies inserted by ingestion",
	})

	selectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxypool_selections_total",
		Help: "Selections served, by outcome",
	}, []string{"outcome"})

	leasesGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxypool_leases_granted_total",
		Help: "Leases handed to workers",
	})

	evictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxypool_evicted_total",
		Help: "Dead proxies removed by retention",
	})
)

// ObserveProbe records one probe outcome.
func ObserveProbe(ok bool, latency time.Duration) {
	if !ok {
		probesTotal.WithLabelValues(ResultFailure).Inc()
		return
	}
	probesTotal.WithLabelValues(ResultSuccess).Inc()
	probeLatency.Observe(latency.Seconds())
}

// ObserveCycle records the duration of a probe cycle.
func ObserveCycle(d time.Duration) {
	probeCycleDuration.Observe(d.Seconds())
}

// AddIngested counts inserted proxies.
func AddIngested(n int64) {
	if n > 0 {
		ingestedTotal.Add(float64(n))
	}
}

// ObserveSelection records a selection of requested proxies that granted some of them.
func ObserveSelection(requested, granted int, err error) {
	switch {
	case err != nil:
		selectionsTotal.WithLabelValues(OutcomeError).Inc()
	case granted == 0:
		selectionsTotal.WithLabelValues(OutcomeEmpty).Inc()
	case granted < requested:
		selectionsTotal.WithLabelValues(OutcomePartial).Inc()
	default:
		selectionsTotal.WithLabelValues(OutcomeFull).Inc()
	}
	if granted > 0 {
		leasesGranted.Add(float64(granted))
	}
}

// AddEvicted counts proxies removed by retention.
func AddEvicted(n int64) {
	if n > 0 {
		evictedTotal.Add(float64(n))
	}
}
