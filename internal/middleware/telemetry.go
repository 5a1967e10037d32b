// Package middleware provides the HTTP middleware shared by every route.
package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/coin-rag/internal/logging"
	"github.com/irfndi/coin-rag/internal/metrics"
)

// RequestTelemetry records latency and status per matched route and logs the request.
// Spans themselves come from otelgin; this annotates the active one.
func RequestTelemetry(mc *metrics.MetricsCollector, logger *logging.StandardLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		statusCode := c.Writer.Status()
		latency := time.Since(start)

		mc.RecordAPIRequest(c.Request.Method, route, statusCode, latency)
		if logger != nil && route != "/health" && route != "/metrics" {
			logger.LogAPIRequest(c.Request.Method, route, statusCode, latency.Milliseconds())
		}

		span := trace.SpanFromContext(c.Request.Context())
		if span.IsRecording() {
			span.SetAttributes(attribute.Int64("http.response.size_bytes", int64(c.Writer.Size())))
			if statusCode >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", statusCode))
			}
		}
	}
}

// RecordError records an error on the current span
func RecordError(c *gin.Context, err error, description string) {
	span := trace.SpanFromContext(c.Request.Context())
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, description)
	}
}

// AddSpanAttribute adds an attribute to the current span
func AddSpanAttribute(c *gin.Context, key string, value interface{}) {
	span := trace.SpanFromContext(c.Request.Context())
	if span.IsRecording() {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
		}
	}
}
