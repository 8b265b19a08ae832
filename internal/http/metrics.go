package http

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/ctxvault/internal/http"

// errorKindKey carries the error kind from fail to the metrics middleware.
const errorKindKey = "ctxvault.error_kind"

// operations maps route patterns to operation labels.
var operations = map[string]string{
	"/health":                             "liveness",
	"/metrics":                            "metrics",
	"/api/v1/health":                      "system_health",
	"/api/v1/contexts/:scope/:id/archive": "archive",
	"/api/v1/contexts/:scope/:id/restore": "restore",
	"/api/v1/contexts/:scope/:id/health":  "context_health",
	"/api/v1/cleanup":                     "cleanup",
	"/api/v1/archives":                    "list_archives",
	"/api/v1/archives/:scope/:id/check":   "check_archive",
}

// HTTPMetrics records per-operation request metrics.
type HTTPMetrics struct {
	logger   *zap.Logger
	requests metric.Int64Counter
	duration metric.Float64Histogram
	failures metric.Int64Counter
	inflight metric.Int64UpDownCounter
}

// NewHTTPMetrics creates metrics on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{logger: logger}

	var err error
	m.requests, err = meter.Int64Counter(
		"ctxvault.http.requests_total",
		metric.WithDescription("HTTP requests by operation, scope and status class"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}

	// Restores are expected well under a second; the upper buckets catch
	// large deep-sleep archives.
	m.duration, err = meter.Float64Histogram(
		"ctxvault.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration by operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.failures, err = meter.Int64Counter(
		"ctxvault.http.failures_total",
		metric.WithDescription("Failed HTTP requests by operation and error kind"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create failures counter", zap.Error(err))
	}

	m.inflight, err = meter.Int64UpDownCounter(
		"ctxvault.http.active_requests",
		metric.WithDescription("HTTP requests in flight"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create active requests counter", zap.Error(err))
	}
	return m
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}

			op := operationFor(c.Path())
			attrs := []attribute.KeyValue{
				attribute.String("operation", op),
				attribute.String("method", c.Request().Method),
				attribute.String("status_class", statusClass(status)),
			}
			if scope := c.Param("scope"); scope != "" {
				attrs = append(attrs, attribute.String("scope", scope))
			}
			set := metric.WithAttributes(attrs...)

			if m.requests != nil {
				m.requests.Add(ctx, 1, set)
			}
			if m.duration != nil {
				m.duration.Record(ctx, elapsed.Seconds(), set)
			}
			if m.failures != nil && status >= 400 {
				kind, _ := c.Get(errorKindKey).(string)
				if kind == "" {
					kind = "http_" + strconv.Itoa(status)
				}
				m.failures.Add(ctx, 1, metric.WithAttributes(
					attribute.String("operation", op),
					attribute.String("kind", kind),
				))
			}
			return err
		}
	}
}

// operationFor labels a matched route. Echo reports the route pattern, so
// context ids never reach a label.
func operationFor(path string) string {
	if op, ok := operations[path]; ok {
		return op
	}
	return "unmatched"
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
