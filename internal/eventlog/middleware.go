package eventlog

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// AuditMiddleware records every non-GET admin call once the handler has finished.
func AuditMiddleware(sink *Sink) gin.HandlerFunc {
	if sink == nil || sink.Client == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		method := strings.ToUpper(c.Request.Method)
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return
		}
		status := c.Writer.Status()
		sink.Record("syncbridge_http_write", LevelFromStatus(status), map[string]any{
			"method":   method,
			"path":     c.FullPath(),
			"status":   status,
			"duration": time.Since(start).String(),
		})
	}
}
