package handlers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/autotraficgen/proxypool/internal/events"
	"github.com/autotraficgen/proxypool/internal/metrics"
	"github.com/autotraficgen/proxypool/internal/models"
	"github.com/autotraficgen/proxypool/internal/store"
	"github.com/gin-gonic/gin"
)

const maxListLimit = 1000

// ProxyStore is the proxy table surface used by the proxy endpoints.
type ProxyStore interface {
	ListProxies(ctx context.Context, f store.ListFilter) ([]models.Proxy, error)
	InsertCandidates(ctx context.Context, candidates []store.Candidate) (int64, error)
}

// ProxyHandler lists proxies and imports operator-supplied ones.
type ProxyHandler struct {
	store ProxyStore
	sink  events.Sink
}

// NewProxyHandler constructs a ProxyHandler.
func NewProxyHandler(st ProxyStore, sink events.Sink) *ProxyHandler {
	return &ProxyHandler{store: st, sink: sink}
}

type batchCreateProxyRequest struct {
	ProxyURLs []string `json:"proxy_urls"`
}

// List returns proxies filtered by keyword and minimum score, best first.
func (h *ProxyHandler) List(c *gin.Context) {
	filter := store.ListFilter{Keyword: strings.TrimSpace(c.Query("keyword")), Limit: 100}
	if raw := strings.TrimSpace(c.Query("min_score")); raw != "" {
		minScore, errParse := strconv.ParseFloat(raw, 64)
		if errParse != nil || minScore < 0 || minScore > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_score"})
			return
		}
		filter.MinScore = &minScore
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, errParse := strconv.Atoi(raw)
		if errParse != nil || limit <= 0 || limit > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		offset, errParse := strconv.Atoi(raw)
		if errParse != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		filter.Offset = offset
	}

	rows, errList := h.store.ListProxies(c.Request.Context(), filter)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list proxies failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, proxyRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"proxies": out})
}

// BatchCreate imports proxy URLs with the same idempotent insert as ingestion.
func (h *ProxyHandler) BatchCreate(c *gin.Context) {
	var body batchCreateProxyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	candidates := make([]store.Candidate, 0, len(body.ProxyURLs))
	for idx, raw := range body.ProxyURLs {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		candidate, errParse := parseProxyURL(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid proxy_url at line %d", idx+1)})
			return
		}
		candidates = append(candidates, candidate)
	}
	if len(candidates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "proxy_urls is required"})
		return
	}

	inserted, errInsert := h.store.InsertCandidates(c.Request.Context(), candidates)
	if errInsert != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "import proxies failed"})
		return
	}
	metrics.AddIngested(inserted)
	events.Emit(c.Request.Context(), h.sink, events.New(events.KindIngested, map[string]any{
		"source":     "manual",
		"candidates": len(candidates),
		"inserted":   inserted,
	}))
	c.JSON(http.StatusCreated, gin.H{"candidates": len(candidates), "inserted": inserted})
}

// parseProxyURL validates scheme://host:port and maps it to a candidate.
func parseProxyURL(raw string) (store.Candidate, error) {
	parsed, errParse := url.Parse(strings.TrimSpace(raw))
	if errParse != nil {
		return store.Candidate{}, errParse
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if !models.IsSupportedProtocol(scheme) {
		return store.Candidate{}, fmt.Errorf("invalid scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return store.Candidate{}, fmt.Errorf("missing host")
	}
	host, portRaw, errHost := net.SplitHostPort(parsed.Host)
	if errHost != nil {
		return store.Candidate{}, errHost
	}
	port, errPort := strconv.Atoi(portRaw)
	if errPort != nil || port <= 0 || port > 65535 || host == "" {
		return store.Candidate{}, fmt.Errorf("invalid port %q", portRaw)
	}
	return store.Candidate{Address: host, Port: port, Protocol: scheme, RealIP: host}, nil
}

func proxyRow(row *models.Proxy) gin.H {
	if row == nil {
		return gin.H{}
	}
	return gin.H{
		"id":            row.ID,
		"proxy":         row.URL(),
		"address":       row.Address,
		"port":          row.Port,
		"protocol":      row.Protocol,
		"real_ip":       row.RealIP,
		"score":         row.Score,
		"good_count":    row.GoodCount,
		"bad_count":     row.BadCount,
		"response_time": row.ResponseTime,
		"used_count":    row.UsedCount,
		"last_checked":  row.LastChecked,
		"created_at":    row.CreatedAt,
	}
}
