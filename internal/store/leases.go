package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autotraficgen/proxypool/internal/db"
	"github.com/autotraficgen/proxypool/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// claimQuery picks the best proxy of every exit IP that has no active lease.
// A lease covers both the exit IP recorded at claim time and the leased
// proxy's current one, since a health check may move real_ip while the lease runs.
// Window functions cannot carry a row lock, so ranking happens in a subquery
// and the locking clause applies to the outer read.
const claimQuery = `
SELECT proxies.* FROM proxies
WHERE proxies.id IN (
	SELECT ranked.id FROM (
		SELECT p.id,
		       ROW_NUMBER() OVER (PARTITION BY p.real_ip ORDER BY p.score DESC, p.id ASC) AS rn
		FROM proxies p
		WHERE p.score > ?
		  AND NOT EXISTS (
			SELECT 1 FROM proxy_leases l
			LEFT JOIN proxies lp ON lp.id = l.proxy_id
			WHERE l.expires_at > ?
			  AND (l.proxy_id = p.id OR l.real_ip = p.real_ip OR lp.real_ip = p.real_ip)
		  )
	) ranked
	WHERE ranked.rn = 1
)
ORDER BY proxies.score DESC, proxies.id ASC
LIMIT ?`

const skipLockedSuffix = "\nFOR UPDATE OF proxies SKIP LOCKED"

// ClaimRequest describes one selection.
type ClaimRequest struct {
	Count    int
	MinScore float64
	Holder   string
	TTL      time.Duration
}

// Lease is a granted reservation together with the proxy it covers.
type Lease struct {
	ID        string
	ProxyID   uint64
	Address   string
	Port      int
	Protocol  string
	RealIP    string
	Score     float64
	Holder    string
	ExpiresAt time.Time
}

// URL returns the leased proxy in scheme://address:port form.
func (l Lease) URL() string {
	p := models.Proxy{Address: l.Address, Port: l.Port, Protocol: l.Protocol}
	return p.URL()
}

// Claim leases up to req.Count proxies with distinct exit IPs, best score first.
// Rows locked by a concurrent claim are skipped rather than waited on, so the
// result may be shorter than requested.
func (s *Store) Claim(ctx context.Context, req ClaimRequest) ([]Lease, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if req.Count <= 0 {
		return nil, nil
	}
	if req.TTL <= 0 {
		return nil, fmt.Errorf("store: claim: lease ttl must be positive")
	}
	holder := strings.TrimSpace(req.Holder)
	if holder == "" {
		holder = "anonymous"
	}

	skipLocked := db.SupportsSkipLocked(s.conn)
	if !skipLocked {
		s.claimMu.Lock()
		defer s.claimMu.Unlock()
	}

	query := claimQuery
	if skipLocked {
		query += skipLockedSuffix
	}

	var granted []Lease
	errTx := s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock()

		var candidates []models.Proxy
		if errScan := tx.Raw(query, req.MinScore, now, req.Count).Scan(&candidates).Error; errScan != nil {
			return fmt.Errorf("select candidates: %w", errScan)
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]uint64, 0, len(candidates))
		realIPs := make([]string, 0, len(candidates))
		for _, p := range candidates {
			ids = append(ids, p.ID)
			realIPs = append(realIPs, p.RealIP)
		}
		// Expired reservations still hold the unique keys until removed.
		if errDelete := tx.
			Where("expires_at <= ? AND (proxy_id IN ? OR real_ip IN ?)", now, ids, realIPs).
			Delete(&models.ProxyLease{}).Error; errDelete != nil {
			return fmt.Errorf("clear expired leases: %w", errDelete)
		}

		expiresAt := now.Add(req.TTL)
		for _, p := range candidates {
			lease := models.ProxyLease{
				ID:        uuid.NewString(),
				ProxyID:   p.ID,
				RealIP:    p.RealIP,
				Holder:    holder,
				ExpiresAt: expiresAt,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
			if res.Error != nil {
				return fmt.Errorf("insert lease for proxy %d: %w", p.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			granted = append(granted, Lease{
				ID:        lease.ID,
				ProxyID:   p.ID,
				Address:   p.Address,
				Port:      p.Port,
				Protocol:  p.Protocol,
				RealIP:    p.RealIP,
				Score:     p.Score,
				Holder:    holder,
				ExpiresAt: expiresAt,
			})
		}
		return nil
	})
	if errTx != nil {
		return nil, fmt.Errorf("store: claim: %w", errTx)
	}
	return granted, nil
}

// ReleaseLease ends a lease. When used is true the proxy's used_count is incremented.
func (s *Store) ReleaseLease(ctx context.Context, id string, used bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrLeaseNotFound
	}
	return s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lease models.ProxyLease
		if errFind := tx.Where("id = ?", id).Take(&lease).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrLeaseNotFound
			}
			return fmt.Errorf("store: release lease: %w", errFind)
		}
		res := tx.Where("id = ?", id).Delete(&models.ProxyLease{})
		if res.Error != nil {
			return fmt.Errorf("store: release lease: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrLeaseNotFound
		}
		if !used {
			return nil
		}
		if errUpdate := tx.Model(&models.Proxy{}).
			Where("id = ?", lease.ProxyID).
			Update("used_count", gorm.Expr("used_count + ?", 1)).Error; errUpdate != nil {
			return fmt.Errorf("store: release lease: bump used_count: %w", errUpdate)
		}
		return nil
	})
}

// RenewLease pushes an active lease's expiry to now+ttl and returns the new deadline.
func (s *Store) RenewLease(ctx context.Context, id string, ttl time.Duration) (time.Time, error) {
	if err := s.ready(); err != nil {
		return time.Time{}, err
	}
	if ttl <= 0 {
		return time.Time{}, fmt.Errorf("store: renew lease: ttl must be positive")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return time.Time{}, ErrLeaseNotFound
	}
	now := s.clock()
	expiresAt := now.Add(ttl)
	res := s.conn.WithContext(ctx).Model(&models.ProxyLease{}).
		Where("id = ? AND expires_at > ?", id, now).
		Updates(map[string]any{"expires_at": expiresAt, "updated_at": now})
	if res.Error != nil {
		return time.Time{}, fmt.Errorf("store: renew lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return time.Time{}, ErrLeaseNotFound
	}
	return expiresAt, nil
}

// ReapExpiredLeases deletes leases whose deadline has passed.
func (s *Store) ReapExpiredLeases(ctx context.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res := s.conn.WithContext(ctx).Where("expires_at <= ?", s.clock()).Delete(&models.ProxyLease{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: reap expired leases: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// LeaseHolder returns the holder of an unexpired lease.
func (s *Store) LeaseHolder(ctx context.Context, id string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrLeaseNotFound
	}
	var lease models.ProxyLease
	errFind := s.conn.WithContext(ctx).
		Where("id = ? AND expires_at > ?", id, s.clock()).
		Take(&lease).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return "", ErrLeaseNotFound
	}
	if errFind != nil {
		return "", fmt.Errorf("store: lease holder: %w", errFind)
	}
	return lease.Holder, nil
}

// ActiveLeases lists unexpired leases, soonest expiry first.
func (s *Store) ActiveLeases(ctx context.Context) ([]models.ProxyLease, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var rows []models.ProxyLease
	if errFind := s.conn.WithContext(ctx).
		Where("expires_at > ?", s.clock()).
		Order("expires_at ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("store: active leases: %w", errFind)
	}
	return rows, nil
}
