// Package scoring turns probe outcomes into a decaying [0,1] quality score.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

const weightTolerance = 1e-6

// Policy holds every tunable of the scoring and probe-sampling model.
type Policy struct {
	// Alpha is the weight kept from the previous score after a successful probe.
	Alpha float64
	// Beta is the factor applied to the previous score after a failed probe.
	Beta float64

	SpeedWeight       float64
	ReliabilityWeight float64
	UsageWeight       float64

	// MaxResponseTime is the latency at which the speed factor reaches zero.
	MaxResponseTime time.Duration
	// UsageCeiling is the used_count at which the usage factor reaches zero.
	UsageCeiling float64

	// SampleFloor is the minimum probe probability, whatever the score.
	SampleFloor float64
	// SampleAll probes every proxy every cycle.
	SampleAll bool
}

// DefaultPolicy returns the production weights.
func DefaultPolicy() Policy {
	return Policy{
		Alpha:             0.5,
		Beta:              0.5,
		SpeedWeight:       0.5,
		ReliabilityWeight: 0.3,
		UsageWeight:       0.2,
		MaxResponseTime:   10 * time.Second,
		UsageCeiling:      10,
	}
}

// Validate reports the first field that would break the [0,1] closure of Score.
func (p Policy) Validate() error {
	if !unit(p.Alpha) {
		return fmt.Errorf("scoring: alpha %v outside [0,1]", p.Alpha)
	}
	if !unit(p.Beta) {
		return fmt.Errorf("scoring: beta %v outside [0,1]", p.Beta)
	}
	if p.SpeedWeight < 0 || p.ReliabilityWeight < 0 || p.UsageWeight < 0 {
		return errors.New("scoring: weights must be non-negative")
	}
	if sum := p.SpeedWeight + p.ReliabilityWeight + p.UsageWeight; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("scoring: weights sum to %v, want 1", sum)
	}
	if p.MaxResponseTime <= 0 {
		return errors.New("scoring: max response time must be positive")
	}
	if p.UsageCeiling <= 0 {
		return errors.New("scoring: usage ceiling must be positive")
	}
	if !unit(p.SampleFloor) {
		return fmt.Errorf("scoring: sample floor %v outside [0,1]", p.SampleFloor)
	}
	return nil
}

// ShouldProbe decides whether a proxy with the given score is probed this cycle.
// draw is a uniform value in [0,1).
func (p Policy) ShouldProbe(score, draw float64) bool {
	if p.SampleAll {
		return true
	}
	return draw <= math.Max(score, p.SampleFloor)
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Holder shares a Policy between the prober and a config reloader.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder returns a Holder seeded with p.
func NewHolder(p Policy) *Holder {
	h := &Holder{}
	h.Store(p)
	return h
}

// Load returns the active policy, or the default one if none was stored.
func (h *Holder) Load() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	p := h.current.Load()
	if p == nil {
		return DefaultPolicy()
	}
	return *p
}

// Store swaps in a new policy.
func (h *Holder) Store(p Policy) {
	if h == nil {
		return
	}
	h.current.Store(&p)
}
