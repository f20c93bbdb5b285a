package scoring

import (
	"math"
	"time"
)

// Outcome describes one probe and the counters read before it ran.
type Outcome struct {
	Success bool
	Latency time.Duration

	GoodCount int64
	BadCount  int64
	UsedCount int64
}

// Breakdown exposes the intermediate factors of a score update.
type Breakdown struct {
	Previous    float64
	Speed       float64
	Reliability float64
	Usage       float64
	Calculated  float64
	Score       float64
}

// Score returns the new score for a proxy whose previous score is prev.
func (p Policy) Score(prev float64, out Outcome) Breakdown {
	prev = clampUnit(prev)
	b := Breakdown{Previous: prev}
	if !out.Success {
		b.Score = clampUnit(p.Beta * prev)
		return b
	}

	latency := out.Latency
	if latency < 0 {
		latency = 0
	}
	good := float64(max(out.GoodCount, 0))
	bad := float64(max(out.BadCount, 0))
	used := float64(max(out.UsedCount, 0))

	b.Speed = 1 - math.Min(1, latency.Seconds()/p.MaxResponseTime.Seconds())
	b.Reliability = good / (good + bad + 1)
	b.Usage = 1 - math.Min(1, used/p.UsageCeiling)
	b.Calculated = clampUnit(p.SpeedWeight*b.Speed + p.ReliabilityWeight*b.Reliability + p.UsageWeight*b.Usage)
	b.Score = clampUnit(p.Alpha*prev + (1-p.Alpha)*b.Calculated)
	return b
}
