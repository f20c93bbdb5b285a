package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultStream    = "proxypool:events"
	defaultMaxLen    = 100000
	redisPingTimeout = 5 * time.Second
	redisEmitTimeout = 2 * time.Second
)

// RedisOptions configures a RedisSink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// streamWriter is the slice of *redis.Client the sink uses.
type streamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisSink appends events to a Redis stream so other services can follow pool activity.
type RedisSink struct {
	client streamWriter
	stream string
	maxLen int64
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, opts RedisOptions) (*RedisSink, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("events: redis addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("events: redis ping: %w", errPing)
	}
	return newRedisSink(client, opts), nil
}

func newRedisSink(client streamWriter, opts RedisOptions) *RedisSink {
	stream := strings.TrimSpace(opts.Stream)
	if stream == "" {
		stream = defaultStream
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Emit implements Sink. Failures are logged and dropped.
func (s *RedisSink) Emit(ctx context.Context, ev Event) {
	if s == nil || s.client == nil {
		return
	}
	payload, errMarshal := json.Marshal(ev.Fields)
	if errMarshal != nil {
		log.WithError(errMarshal).Warnf("events: encode %s event", ev.Kind)
		return
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisEmitTimeout)
	defer cancel()
	errAdd := s.client.XAdd(emitCtx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":   ev.Kind,
			"at":     ev.At.UTC().Format(time.RFC3339Nano),
			"fields": string(payload),
		},
	}).Err()
	if errAdd != nil {
		log.WithError(errAdd).Warnf("events: publish %s event to %s", ev.Kind, s.stream)
	}
}

// Close releases the Redis connection pool.
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
