package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"funnel-backend/internal/shared/telemetry"
)

// Logging emits a structured log per request. Handlers annotate the line by
// setting sessionId, reportId and statusTransition on the gin context.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(c.Request.Method, "OPTIONS") {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		telemetry.Info("request.complete", map[string]any{
			"request_id":        RequestIDFromContext(c),
			"method":            c.Request.Method,
			"path":              c.Request.URL.Path,
			"route":             c.FullPath(),
			"status":            c.Writer.Status(),
			"status_transition": c.GetString("statusTransition"),
			"duration_ms":       float64(latency.Microseconds()) / 1000.0,
			"session_id":        c.GetString("sessionId"),
			"report_id":         c.GetString("reportId"),
			"client_ip":         c.ClientIP(),
			"user_agent":        c.Request.UserAgent(),
		})
	}
}
