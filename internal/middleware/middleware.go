// Package middleware provides Gin middleware for the Spendroute gateway:
// request logging, per-tenant rate limiting, and admin API key auth.
package middleware

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/bigdegenenergy/spendroute/pkg/spendcache"
)

// LoggingMiddleware logs request and response metadata including method,
// path, status code, latency, and client IP.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		if query != "" {
			path = path + "?" + query
		}

		switch {
		case statusCode >= 500:
			log.Printf("[ERROR] %s %s | %d | %v | %s | errors: %s",
				method, path, statusCode, latency, clientIP, c.Errors.ByType(gin.ErrorTypePrivate).String())
		case statusCode >= 400:
			log.Printf("[WARN]  %s %s | %d | %v | %s", method, path, statusCode, latency, clientIP)
		default:
			log.Printf("[INFO]  %s %s | %d | %v | %s", method, path, statusCode, latency, clientIP)
		}
	}
}

// RateLimitMiddleware enforces a per-tenant fixed-window limit through
// Redis. When Redis is unavailable it falls back to a process-local token
// bucket so a cache outage cannot take the limiter down with it.
func RateLimitMiddleware(c *spendcache.Cache, maxRequests int64, window time.Duration) gin.HandlerFunc {
	local := rate.NewLimiter(rate.Limit(float64(maxRequests)/window.Seconds()), int(maxRequests))

	return func(ctx *gin.Context) {
		tenant := ctx.GetHeader("X-Tenant-ID")
		if tenant == "" {
			tenant = ctx.ClientIP()
		}

		if c == nil {
			if !local.Allow() {
				tooManyRequests(ctx)
				return
			}
			ctx.Next()
			return
		}

		allowed, err := c.RateLimitCheck(ctx.Request.Context(), tenant, maxRequests, window)
		if err != nil {
			log.Printf("middleware: rate limit check error, using local limiter: %v", err)
			if !local.Allow() {
				tooManyRequests(ctx)
				return
			}
			ctx.Next()
			return
		}
		if !allowed {
			tooManyRequests(ctx)
			return
		}
		ctx.Next()
	}
}

func tooManyRequests(ctx *gin.Context) {
	ctx.JSON(http.StatusTooManyRequests, gin.H{
		"error":   "rate_limit_exceeded",
		"message": "Too many requests. Please slow down.",
	})
	ctx.Abort()
}

// APIKeyAuth validates the X-Admin-Key header (or a Bearer token) against
// the configured admin key.
func APIKeyAuth(expectedKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if key != expectedKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: invalid or missing admin API key"})
			return
		}
		c.Next()
	}
}
