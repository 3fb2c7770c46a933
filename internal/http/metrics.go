package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/scaffoldd/internal/http"

// HTTPMetrics records request counts, latency and response sizes per route.
type HTTPMetrics struct {
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
}

// NewHTTPMetrics creates instruments on meter, or on the global meter
// provider when meter is nil. Instruments that fail to register are
// skipped with a warning.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &HTTPMetrics{}
	var err error
	m.requestsTotal, err = meter.Int64Counter("scaffoldd.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status"),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.requestDur, err = meter.Float64Histogram("scaffoldd.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120))
	warn("request_duration_seconds", err)

	m.responseSize, err = meter.Int64Histogram("scaffoldd.http.response_size_bytes",
		metric.WithDescription("HTTP response body size by method, route and status"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 1000, 10000, 100000, 1e6, 1e7, 1e8))
	warn("response_size_bytes", err)

	m.activeRequests, err = meter.Int64UpDownCounter("scaffoldd.http.active_requests",
		metric.WithDescription("HTTP requests in flight, event streams included"),
		metric.WithUnit("{request}"))
	warn("active_requests", err)

	return m
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(ctx, -1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

// normalizePath returns the route label for a request. Echo reports the
// registered pattern (/api/v1/tasks/:id), so ids never reach a label; an
// unmatched request has no pattern and is grouped under "unmatched".
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
