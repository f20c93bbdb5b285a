// Package store owns every read and write of the proxies and proxy_leases tables.
package store

import (
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
)

// InitialScore is the score a freshly ingested proxy starts with.
const InitialScore = 0.5

var (
	// ErrLeaseNotFound is returned for unknown or expired lease IDs.
	ErrLeaseNotFound = errors.New("store: lease not found")
	// ErrProxyNotFound is returned when a probe result targets a missing proxy.
	ErrProxyNotFound = errors.New("store: proxy not found")
)

// Store is safe for concurrent use; each call checks out its own pooled connection.
type Store struct {
	conn *gorm.DB

	// claimMu serializes claims on dialects without SKIP LOCKED.
	claimMu sync.Mutex

	now func() time.Time
}

// New wraps an open GORM handle.
func New(conn *gorm.DB) *Store {
	return &Store{conn: conn, now: time.Now}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.conn
}

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func (s *Store) ready() error {
	if s == nil || s.conn == nil {
		return errors.New("store: not initialized")
	}
	return nil
}
