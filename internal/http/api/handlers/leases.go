package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/autotraficgen/proxypool/internal/models"
	"github.com/autotraficgen/proxypool/internal/security"
	"github.com/autotraficgen/proxypool/internal/selector"
	"github.com/autotraficgen/proxypool/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// LeaseService is the selector surface used by the lease endpoints.
type LeaseService interface {
	Select(ctx context.Context, req selector.Request) ([]store.Lease, error)
	Release(ctx context.Context, leaseID string, used bool) error
	Renew(ctx context.Context, leaseID string) (time.Time, error)
	MaxCount() int
}

// LeaseLister reads the active lease table.
type LeaseLister interface {
	ActiveLeases(ctx context.Context) ([]models.ProxyLease, error)
	LeaseHolder(ctx context.Context, id string) (string, error)
}

// LeaseHandler hands proxies to workers.
type LeaseHandler struct {
	leases LeaseService
	lister LeaseLister
}

// NewLeaseHandler constructs a LeaseHandler.
func NewLeaseHandler(leases LeaseService, lister LeaseLister) *LeaseHandler {
	return &LeaseHandler{leases: leases, lister: lister}
}

// List returns unexpired leases, soonest expiry first.
func (h *LeaseHandler) List(c *gin.Context) {
	rows, errList := h.lister.ActiveLeases(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list leases failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":         row.ID,
			"proxy_id":   row.ProxyID,
			"real_ip":    row.RealIP,
			"holder":     row.Holder,
			"expires_at": row.ExpiresAt,
			"created_at": row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"leases": out})
}

type createLeaseRequest struct {
	Count  int    `json:"count"`
	Holder string `json:"holder"`
}

// Create leases up to count proxies. Fewer than requested is not an error.
func (h *LeaseHandler) Create(c *gin.Context) {
	var body createLeaseRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	subject := c.GetString(security.ContextSubject)
	holder := strings.TrimSpace(body.Holder)
	if holder == "" {
		holder = subject
	}
	// Workers lease under their own subject so they can renew and release later.
	if !isAdmin(c) && holder != subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "holder must match token subject"})
		return
	}

	leases, errSelect := h.leases.Select(c.Request.Context(), selector.Request{Count: body.Count, Holder: holder})
	if errSelect != nil {
		if errors.Is(errSelect, selector.ErrInvalidCount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be between 1 and " + strconv.Itoa(h.leases.MaxCount())})
			return
		}
		log.WithError(errSelect).Error("lease create failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "select proxies failed"})
		return
	}

	out := make([]gin.H, 0, len(leases))
	for i := range leases {
		out = append(out, leaseRow(&leases[i]))
	}
	c.JSON(http.StatusOK, gin.H{"requested": body.Count, "leases": out})
}

// Renew extends an active lease.
func (h *LeaseHandler) Renew(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if !h.authorizeLease(c, id) {
		return
	}
	expiresAt, errRenew := h.leases.Renew(c.Request.Context(), id)
	if errRenew != nil {
		if errors.Is(errRenew, store.ErrLeaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "lease not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "renew lease failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "expires_at": expiresAt})
}

// Release ends a lease. ?used=true records that traffic went through the proxy.
func (h *LeaseHandler) Release(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	used := false
	if raw := strings.TrimSpace(c.Query("used")); raw != "" {
		parsed, errParse := strconv.ParseBool(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid used"})
			return
		}
		used = parsed
	}
	if !h.authorizeLease(c, id) {
		return
	}

	if errRelease := h.leases.Release(c.Request.Context(), id, used); errRelease != nil {
		if errors.Is(errRelease, store.ErrLeaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "lease not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "release lease failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// authorizeLease lets admins act on any lease and workers only on their own.
// It writes the error response and returns false when the caller may not proceed.
func (h *LeaseHandler) authorizeLease(c *gin.Context, id string) bool {
	if isAdmin(c) {
		return true
	}
	holder, errHolder := h.lister.LeaseHolder(c.Request.Context(), id)
	if errHolder != nil {
		if errors.Is(errHolder, store.ErrLeaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "lease not found"})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load lease failed"})
		return false
	}
	if holder != c.GetString(security.ContextSubject) {
		c.JSON(http.StatusForbidden, gin.H{"error": "lease held by another caller"})
		return false
	}
	return true
}

func isAdmin(c *gin.Context) bool {
	return c.GetString(security.ContextRole) == security.RoleAdmin
}

func leaseRow(l *store.Lease) gin.H {
	return gin.H{
		"id":         l.ID,
		"proxy":      l.URL(),
		"proxy_id":   l.ProxyID,
		"address":    l.Address,
		"port":       l.Port,
		"protocol":   l.Protocol,
		"real_ip":    l.RealIP,
		"score":      l.Score,
		"holder":     l.Holder,
		"expires_at": l.ExpiresAt,
	}
}
