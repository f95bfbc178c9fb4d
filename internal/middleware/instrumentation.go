// Package middleware holds the gin middleware shared by every route group.
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robotpdf/devkeys/internal/logging"
	"github.com/robotpdf/devkeys/internal/metrics"
	"go.uber.org/zap"
)

// Instrumentation logs one line per request and records request metrics. The
// route label is the matched pattern so ids in paths do not explode cardinality.
func Instrumentation(m *metrics.Metrics, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		m.ObserveHTTP(c.Request.Method, route, status, elapsed)

		fields := append(logging.RequestFields(c.Request.Context()),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("client_ip", c.ClientIP()),
		)
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case status >= 500:
			logger.Error("request failed", fields...)
		case status >= 400:
			logger.Info("request rejected", fields...)
		default:
			logger.Debug("request completed", fields...)
		}
	}
}
