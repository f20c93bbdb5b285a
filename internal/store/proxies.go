package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/autotraficgen/proxypool/internal/db"
	"github.com/autotraficgen/proxypool/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 200

// Candidate is one (address, port, protocol) offered by a provider or an operator.
type Candidate struct {
	Address      string
	Port         int
	Protocol     string
	RealIP       string
	ResponseTime *float64
}

// Key returns the endpoint identity used for de-duplication.
func (c Candidate) Key() string {
	return strings.ToLower(c.Protocol) + "://" + strings.ToLower(c.Address) + ":" + fmt.Sprint(c.Port)
}

// InsertCandidates inserts new proxies with InitialScore and zero counters.
// Endpoints already present are left untouched. It returns the number of rows inserted.
func (s *Store) InsertCandidates(ctx context.Context, candidates []Candidate) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	seen := make(map[string]struct{}, len(candidates))
	rows := make([]models.Proxy, 0, len(candidates))
	for _, c := range candidates {
		c.Address = strings.TrimSpace(c.Address)
		c.Protocol = strings.ToLower(strings.TrimSpace(c.Protocol))
		if c.Address == "" || c.Port <= 0 || c.Port > 65535 || !models.IsSupportedProtocol(c.Protocol) {
			continue
		}
		key := c.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		realIP := strings.TrimSpace(c.RealIP)
		if realIP == "" {
			realIP = c.Address
		}
		var responseTime *float64
		if c.ResponseTime != nil && *c.ResponseTime > 0 {
			v := *c.ResponseTime
			responseTime = &v
		}
		rows = append(rows, models.Proxy{
			Address:      c.Address,
			Port:         c.Port,
			Protocol:     c.Protocol,
			RealIP:       realIP,
			Score:        InitialScore,
			ResponseTime: responseTime,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	res := s.conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}, {Name: "port"}, {Name: "protocol"}},
			DoNothing: true,
		}).
		CreateInBatches(&rows, insertBatchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("store: insert candidates: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Snapshot returns every proxy, least recently checked first.
func (s *Store) Snapshot(ctx context.Context) ([]models.Proxy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var rows []models.Proxy
	if errFind := s.conn.WithContext(ctx).
		Order("last_checked ASC NULLS FIRST").
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("store: snapshot: %w", errFind)
	}
	return rows, nil
}

// ProbeWrite is the persisted effect of one probe.
type ProbeWrite struct {
	ProxyID   uint64
	Score     float64
	Success   bool
	Latency   time.Duration
	CheckedAt time.Time
	// ExitIP replaces real_ip when non-empty.
	ExitIP string
}

// RecordProbe stores a new score and bumps the matching counter with a relative update.
func (s *Store) RecordProbe(ctx context.Context, w ProbeWrite) error {
	if err := s.ready(); err != nil {
		return err
	}
	checkedAt := w.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = s.clock()
	}
	updates := map[string]any{
		"score":        w.Score,
		"last_checked": checkedAt.UTC(),
	}
	if w.Success {
		updates["good_count"] = gorm.Expr("good_count + ?", 1)
		updates["response_time"] = w.Latency.Seconds()
	} else {
		updates["bad_count"] = gorm.Expr("bad_count + ?", 1)
		updates["response_time"] = nil
	}
	if exitIP := strings.TrimSpace(w.ExitIP); exitIP != "" {
		updates["real_ip"] = exitIP
	}

	res := s.conn.WithContext(ctx).Model(&models.Proxy{}).Where("id = ?", w.ProxyID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: record probe %d: %w", w.ProxyID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProxyNotFound
	}
	return nil
}

// ListFilter narrows ListProxies.
type ListFilter struct {
	Keyword  string
	MinScore *float64
	Limit    int
	Offset   int
}

// ListProxies returns proxies ordered by score, best first.
func (s *Store) ListProxies(ctx context.Context, f ListFilter) ([]models.Proxy, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.conn.WithContext(ctx).Model(&models.Proxy{})
	if keyword := strings.TrimSpace(f.Keyword); keyword != "" {
		pattern := db.NormalizeLikePattern(s.conn, "%"+keyword+"%")
		q = q.Where(
			db.CaseInsensitiveLikeExpr(s.conn, "address")+" OR "+db.CaseInsensitiveLikeExpr(s.conn, "real_ip"),
			pattern, pattern,
		)
	}
	if f.MinScore != nil {
		q = q.Where("score >= ?", *f.MinScore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []models.Proxy
	if errFind := q.Order("score DESC").Order("id ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("store: list proxies: %w", errFind)
	}
	return rows, nil
}

// EvictCriteria selects proxies considered permanently dead.
type EvictCriteria struct {
	MaxScore    float64
	MinBadCount int64
	IdleBefore  time.Time
	BatchSize   int
}

// EvictDead deletes one batch of dead, unleased proxies and returns how many were removed.
func (s *Store) EvictDead(ctx context.Context, c EvictCriteria) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	limit := c.BatchSize
	if limit <= 0 {
		limit = 500
	}
	now := s.clock()

	res := s.conn.WithContext(ctx).Exec(`
		DELETE FROM proxies
		WHERE id IN (
			SELECT p.id FROM proxies p
			WHERE p.score <= ?
			  AND p.bad_count >= ?
			  AND p.last_checked IS NOT NULL
			  AND p.last_checked < ?
			  AND NOT EXISTS (
				SELECT 1 FROM proxy_leases l
				WHERE l.proxy_id = p.id AND l.expires_at > ?
			  )
			ORDER BY p.last_checked ASC
			LIMIT ?
		)
	`, c.MaxScore, c.MinBadCount, c.IdleBefore.UTC(), now, limit)
	if res.Error != nil {
		return 0, fmt.Errorf("store: evict dead: %w", res.Error)
	}
	return res.RowsAffected, nil
}
