package settings

// DB-backed runtime overrides. Each one replaces the matching file/env value
// while it is present in the settings table.
const (
	// ProbeMaxConcurrencyKey caps in-flight probes per cycle.
	ProbeMaxConcurrencyKey = "PROBE_MAX_CONCURRENCY"
	// ProbeSampleFloorKey is the minimum probe probability for low scores.
	ProbeSampleFloorKey = "PROBE_SAMPLE_FLOOR"
	// LeaseTTLSecondsKey is the default lease duration in seconds.
	LeaseTTLSecondsKey = "LEASE_TTL_SECONDS"

	maxProbeConcurrency = 10000
	maxLeaseTTLSeconds  = 7 * 24 * 3600
)

// Keys lists every recognised setting.
var Keys = []string{ProbeMaxConcurrencyKey, ProbeSampleFloorKey, LeaseTTLSecondsKey}
