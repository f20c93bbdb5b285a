// Package http exposes the pool over a gin router.
package http

import (
	"github.com/autotraficgen/proxypool/internal/events"
	"github.com/autotraficgen/proxypool/internal/http/api/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RouterDeps carries the services the routes dispatch to.
type RouterDeps struct {
	DB        *gorm.DB
	Leases    handlers.LeaseService
	Lister    handlers.LeaseLister
	Proxies   handlers.ProxyStore
	Events    events.Sink
	JWTSecret string
}

// NewRouter registers the health and metrics endpoints plus the /v1 API.
func NewRouter(deps RouterDeps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	health := handlers.NewHealthHandler(deps.DB)
	engine.GET("/healthz", health.Healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	leases := handlers.NewLeaseHandler(deps.Leases, deps.Lister)
	proxies := handlers.NewProxyHandler(deps.Proxies, deps.Events)
	settings := handlers.NewSettingsHandler(deps.DB)

	v1 := engine.Group("/v1", TokenAuthMiddleware(deps.JWTSecret))
	v1.POST("/leases", leases.Create)
	v1.POST("/leases/:id/renew", leases.Renew)
	v1.DELETE("/leases/:id", leases.Release)
	v1.GET("/proxies", proxies.List)
	v1.GET("/settings", settings.List)

	admin := v1.Group("", RequireAdmin())
	admin.GET("/leases", leases.List)
	admin.POST("/proxies", proxies.BatchCreate)
	admin.PUT("/settings/:key", settings.Put)
	admin.DELETE("/settings/:key", settings.Delete)

	return engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		entry := log.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		})
		if c.Writer.Status() >= 500 {
			entry.Warn("http request failed")
			return
		}
		entry.Debug("http request")
	}
}
