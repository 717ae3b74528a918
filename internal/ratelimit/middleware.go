package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"syncbridge/internal/metrics"
)

const tokenPrefixLen = 16

// CallerKey identifies the caller by bearer token prefix when present, else by client IP.
// Only a prefix of the token is kept so the full secret never sits in memory as a map key.
func CallerKey(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		token = strings.TrimSpace(token)
		if token != "" {
			if len(token) > tokenPrefixLen {
				token = token[:tokenPrefixLen]
			}
			return "tok:" + token
		}
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects callers over the limit with 429 and a Retry-After header.
func Middleware(l *Limiter, scope string) gin.HandlerFunc {
	if l == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		d := l.Allow(scope+"|"+CallerKey(c), time.Now())
		if !d.Allowed {
			metrics.RateLimited.WithLabelValues(scope).Inc()
			c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds(d.RetryAfter)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    http.StatusTooManyRequests,
				"message": "rate limit exceeded",
			})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Next()
	}
}
