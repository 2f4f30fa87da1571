package middleware

import (
	"net/http"
	"time"

	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/metrics"
	"dream-forge-backend/internal/models"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs every request through the service logger and records
// its latency. Routes are labelled by their pattern, not the raw path.
func RequestLogger(log *logger.Logger, m *metrics.Collector) gin.HandlerFunc {
	log = log.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		m.RecordHTTPRequest(c.Request.Method, route, status, elapsed)

		kv := []interface{}{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if userID, ok := c.Get(UserIDKey); ok {
			kv = append(kv, "user_id", userID)
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "error", c.Errors.String())
		}
		switch {
		case status >= 500:
			log.Error("request failed", kv...)
		case status >= 400:
			log.Warn("request rejected", kv...)
		default:
			log.Info("request completed", kv...)
		}
	}
}

// Recovery turns a handler panic into a 500 and logs it.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error("handler panic", "route", c.FullPath(), "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal server error", Code: "INTERNAL"})
	})
}
