package middleware

import (
	"net/http"
	"sync"
	"time"

	"receiptflow/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RateLimiter counts requests per caller over a fixed window. The whole
// window resets at once, so a burst right before the boundary can briefly
// see up to twice the limit; uploads are cheap enough that the simpler
// bookkeeping wins.
type RateLimiter struct {
	mu      sync.Mutex
	counts  map[string]int
	resetAt time.Time
	limit   int
	window  time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counts:  make(map[string]int),
		resetAt: time.Now().Add(window),
		limit:   limit,
		window:  window,
	}
}

// Allow records one request for key and reports whether the caller is still
// within the limit.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.After(l.resetAt) {
		l.counts = make(map[string]int)
		l.resetAt = now.Add(l.window)
	}

	if l.counts[key] >= l.limit {
		return false
	}
	l.counts[key]++
	return true
}

// RateLimit limits requests per caller. Past the auth middleware requests
// are keyed by user id, so one tenant cannot exhaust another's budget from
// behind a shared proxy; unauthenticated requests fall back to the client
// IP.
func RateLimit(limit int, window time.Duration) gin.HandlerFunc {
	limiter := NewRateLimiter(limit, window)

	return func(c *gin.Context) {
		key := GetUserID(c)
		if key == "" {
			key = c.ClientIP()
		}

		if !limiter.Allow(key) {
			logger.Warn(c.Request.Context(), "rate limit exceeded",
				"caller", key,
				"path", c.Request.URL.Path,
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}

		c.Next()
	}
}
