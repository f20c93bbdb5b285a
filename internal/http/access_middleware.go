package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/autotraficgen/proxypool/internal/security"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Context keys set by TokenAuthMiddleware.
const (
	ContextSubject = security.ContextSubject
	ContextRole    = security.ContextRole
)

// TokenAuthMiddleware validates bearer tokens and injects the caller's subject and role.
// With an empty secret every request passes as admin.
func TokenAuthMiddleware(secret string) gin.HandlerFunc {
	if strings.TrimSpace(secret) == "" {
		log.Warn("http: server.jwt_secret is empty, /v1 runs without authentication")
		return func(c *gin.Context) {
			c.Set(ContextSubject, "anonymous")
			c.Set(ContextRole, security.RoleAdmin)
			c.Next()
		}
	}
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseToken(secret, token)
		switch {
		case errJWT == nil:
		case errors.Is(errJWT, security.ErrExpiredToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
			return
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}

// RequireAdmin rejects callers whose token does not carry the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextRole) != security.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}
