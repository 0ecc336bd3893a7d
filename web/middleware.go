package web

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"

	"gonotesync/models"
)

// CorsMiddleware handles CORS headers for cross-origin requests
func CorsMiddleware(c rweb.Context) error {
	c.Response().SetHeader("Access-Control-Allow-Origin", "*")
	c.Response().SetHeader("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	c.Response().SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

	// Handle preflight OPTIONS requests
	if c.Request().Method() == "OPTIONS" {
		c.SetStatus(http.StatusOK)
		return nil
	}

	return c.Next()
}

// JWTAuthMiddleware validates bearer tokens and populates user context.
// It sets user_id and authenticated in the context. A missing or invalid
// token leaves the request unauthenticated; handlers decide whether that
// is allowed.
func JWTAuthMiddleware(tokens *models.TokenAuthority) rweb.Handler {
	return func(c rweb.Context) error {
		c.Set("user_id", "")
		c.Set("authenticated", false)

		tokenString := models.BearerToken(c.Request().Header("Authorization"))
		if tokenString == "" || tokens == nil {
			return c.Next()
		}

		claims, err := tokens.ValidateToken(tokenString)
		if err != nil {
			// Don't log every invalid token attempt
			return c.Next()
		}

		c.Set("user_id", claims.UserID)
		c.Set("authenticated", true)
		return c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers to responses
func SecurityHeadersMiddleware(c rweb.Context) error {
	c.Response().SetHeader("X-Content-Type-Options", "nosniff")
	c.Response().SetHeader("X-Frame-Options", "DENY")
	c.Response().SetHeader("Referrer-Policy", "no-referrer")

	// JSON only, nothing here should ever be rendered
	csp := []string{
		"default-src 'none'",
		"frame-ancestors 'none'",
	}
	c.Response().SetHeader("Content-Security-Policy", strings.Join(csp, "; "))

	return c.Next()
}

// RateLimitMiddleware implements basic fixed-window rate limiting
func RateLimitMiddleware(requestsPerMinute int) rweb.Handler {
	type visitor struct {
		lastSeen time.Time
		count    int
	}

	var mu sync.Mutex
	visitors := make(map[string]*visitor)

	allow := func(ip string, now time.Time) bool {
		mu.Lock()
		defer mu.Unlock()

		for addr, v := range visitors {
			if now.Sub(v.lastSeen) > time.Minute {
				delete(visitors, addr)
			}
		}

		v, exists := visitors[ip]
		if !exists {
			visitors[ip] = &visitor{lastSeen: now, count: 1}
			return true
		}
		if now.Sub(v.lastSeen) >= time.Minute {
			v.lastSeen = now
			v.count = 1
			return true
		}
		v.count++
		return v.count <= requestsPerMinute
	}

	return func(c rweb.Context) error {
		ip := c.Request().Header("X-Forwarded-For")
		if ip == "" {
			ip = c.Request().Header("X-Real-IP")
		}
		if ip == "" {
			ip = "unknown"
		}

		if !allow(ip, time.Now()) {
			logger.Info("Rate limit exceeded", "ip", ip)
			c.SetStatus(http.StatusTooManyRequests)
			return c.WriteJSON(map[string]interface{}{
				"success": false,
				"error":   "rate limit exceeded",
			})
		}
		return c.Next()
	}
}

// LoggingMiddleware provides detailed request logging
func LoggingMiddleware(c rweb.Context) error {
	start := time.Now()

	logger.Debug("Request started",
		"method", c.Request().Method(),
		"path", c.Request().Path(),
		"ip", c.Request().Header("X-Forwarded-For"),
	)

	err := c.Next()

	logger.Debug("Request completed",
		"method", c.Request().Method(),
		"path", c.Request().Path(),
		"user_id", c.Get("user_id"),
		"duration", time.Since(start),
		"error", err,
	)

	return err
}
