package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/organization-manager/organization-manager/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds for every
// request. The path label is the matched route template (e.g. /api/v1/organizations/:id),
// never the raw URL; unmatched requests use "<no-route>" to bound label cardinality.
//
// Register it after RequestIDMiddleware and before anything that may abort, so rejected
// requests (401, 429) are counted as well.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
