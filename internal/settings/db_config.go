package settings

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// dbConfigSnapshot holds the in-memory DB config values.
type dbConfigSnapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

var globalDBConfig atomic.Value // stores dbConfigSnapshot

func init() {
	globalDBConfig.Store(dbConfigSnapshot{values: map[string]json.RawMessage{}})
}

// StoreDBConfig replaces the in-memory snapshot of DB-backed settings.
func StoreDBConfig(updatedAt time.Time, values map[string]json.RawMessage) {
	next := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		next[key] = append(json.RawMessage(nil), v...)
	}
	globalDBConfig.Store(dbConfigSnapshot{updatedAt: updatedAt.UTC(), values: next})
}

// DBConfigUpdatedAt returns the newest updated_at seen by the last refresh.
func DBConfigUpdatedAt() time.Time {
	return loadDBConfig().updatedAt
}

// DBConfigValue returns a copy of the raw value stored for key.
func DBConfigValue(key string) (json.RawMessage, bool) {
	val, ok := loadDBConfig().values[strings.TrimSpace(key)]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), val...), true
}

// DBConfigValues returns a copy of the whole snapshot.
func DBConfigValues() map[string]json.RawMessage {
	cfg := loadDBConfig()
	out := make(map[string]json.RawMessage, len(cfg.values))
	for k, v := range cfg.values {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// ProbeMaxConcurrency returns the PROBE_MAX_CONCURRENCY override, if set and valid.
func ProbeMaxConcurrency() (int, bool) {
	raw, ok := DBConfigValue(ProbeMaxConcurrencyKey)
	if !ok {
		return 0, false
	}
	n, ok := parseInt(raw)
	if !ok || n <= 0 || n > maxProbeConcurrency {
		return 0, false
	}
	return n, true
}

// ProbeSampleFloor returns the PROBE_SAMPLE_FLOOR override, if set and within [0,1].
func ProbeSampleFloor() (float64, bool) {
	raw, ok := DBConfigValue(ProbeSampleFloorKey)
	if !ok {
		return 0, false
	}
	f, ok := parseFloat(raw)
	if !ok || f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}

// LeaseTTL returns the LEASE_TTL_SECONDS override, if set and positive.
func LeaseTTL() (time.Duration, bool) {
	raw, ok := DBConfigValue(LeaseTTLSecondsKey)
	if !ok {
		return 0, false
	}
	n, ok := parseInt(raw)
	if !ok || n <= 0 || n > maxLeaseTTLSeconds {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// Validate checks that value is acceptable for key before it is stored.
func Validate(key string, value json.RawMessage) error {
	switch key {
	case ProbeMaxConcurrencyKey:
		if n, ok := parseInt(value); !ok || n <= 0 || n > maxProbeConcurrency {
			return fmt.Errorf("settings: %s must be an integer in [1,%d]", key, maxProbeConcurrency)
		}
	case ProbeSampleFloorKey:
		if f, ok := parseFloat(value); !ok || f < 0 || f > 1 {
			return fmt.Errorf("settings: %s must be a number in [0,1]", key)
		}
	case LeaseTTLSecondsKey:
		if n, ok := parseInt(value); !ok || n <= 0 || n > maxLeaseTTLSeconds {
			return fmt.Errorf("settings: %s must be an integer in [1,%d]", key, maxLeaseTTLSeconds)
		}
	default:
		return fmt.Errorf("settings: unknown key %q", key)
	}
	return nil
}

func loadDBConfig() dbConfigSnapshot {
	cfg, ok := globalDBConfig.Load().(dbConfigSnapshot)
	if !ok || cfg.values == nil {
		return dbConfigSnapshot{updatedAt: cfg.updatedAt, values: map[string]json.RawMessage{}}
	}
	return cfg
}

// parseFloat accepts a JSON number, a numeric string, or {"value": ...}.
func parseFloat(raw json.RawMessage) (float64, bool) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if errUnmarshal := json.Unmarshal(raw, &f); errUnmarshal == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		parsed, errParse := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if errParse == nil && !math.IsNaN(parsed) && !math.IsInf(parsed, 0) {
			return parsed, true
		}
		return 0, false
	}
	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if errUnmarshal := json.Unmarshal(raw, &wrapper); errUnmarshal == nil && len(wrapper.Value) > 0 {
		return parseFloat(wrapper.Value)
	}
	return 0, false
}

func parseInt(raw json.RawMessage) (int, bool) {
	f, ok := parseFloat(raw)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
