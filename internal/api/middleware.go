package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"ecom-events/internal/util"

	"github.com/gin-gonic/gin"
)

// Identity headers set by the gateway after authentication
const (
	HeaderUser  = "X-Authenticated-User"
	HeaderRoles = "X-Authenticated-Roles"

	ctxUsername = "username"
	ctxAdmin    = "admin"
)

// authenticated rejects requests the gateway did not authenticate
func authenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := strings.TrimSpace(c.GetHeader(HeaderUser))
		if username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authenticated identity",
			})
			return
		}

		c.Set(ctxUsername, username)
		c.Set(ctxAdmin, hasAdminRole(c.GetHeader(HeaderRoles)))
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ctxAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Admin role required",
			})
			return
		}
		c.Next()
	}
}

func hasAdminRole(roles string) bool {
	for _, r := range strings.Split(roles, ",") {
		r = strings.ToUpper(strings.TrimSpace(r))
		if r == "ADMIN" || r == "ROLE_ADMIN" {
			return true
		}
	}
	return false
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
