// Package events publishes score, ingestion and selection outcomes.
package events

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event kinds.
const (
	KindIngested     = "ingested"
	KindScoreChanged = "score_changed"
	KindSelection    = "selection"
	KindLeaseEnded   = "lease_released"
	KindEvicted      = "evicted"
)

// Event is one observable outcome.
type Event struct {
	Kind   string
	At     time.Time
	Fields map[string]any
}

// New builds an event stamped with the current time.
func New(kind string, fields map[string]any) Event {
	return Event{Kind: kind, At: time.Now().UTC(), Fields: fields}
}

// Sink receives events. Implementations must not block the caller for long
// and report their own failures instead of returning them.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Emit forwards ev to sink when one is configured.
func Emit(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	sink.Emit(ctx, ev)
}

// LogSink writes one structured log line per event.
type LogSink struct {
	Logger log.FieldLogger
}

// Emit implements Sink.
func (s LogSink) Emit(_ context.Context, ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	fields := make(log.Fields, len(ev.Fields)+1)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	fields["event"] = ev.Kind
	logger.WithFields(fields).Info(ev.Kind)
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(ctx, ev)
		}
	}
}
