package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumBy(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newHTTPMetrics(mp.Meter(httpInstrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/contexts/:scope/:id/archive", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.POST("/api/v1/contexts/:scope/:id/restore", func(c echo.Context) error {
		c.Set(errorKindKey, "not_found")
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "no archive", Kind: "not_found"})
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/health"},
		{http.MethodPost, "/api/v1/contexts/session/abc-123/archive"},
		{http.MethodPost, "/api/v1/contexts/project/abc-123/restore"},
		{http.MethodGet, "/nope"},
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}

	metrics := collect(t, reader)

	requests, ok := metrics["ctxvault.http.requests_total"]
	require.True(t, ok, "requests counter not found")
	byOp := sumBy(t, requests, "operation")
	assert.Equal(t, map[string]int64{
		"liveness":  1,
		"archive":   1,
		"restore":   1,
		"unmatched": 1,
	}, byOp)

	byScope := sumBy(t, requests, "scope")
	assert.Equal(t, int64(1), byScope["session"])
	assert.Equal(t, int64(1), byScope["project"])
	assert.NotContains(t, byScope, "abc-123")

	byClass := sumBy(t, requests, "status_class")
	assert.Equal(t, int64(2), byClass["2xx"])
	assert.Equal(t, int64(2), byClass["4xx"])

	failures, ok := metrics["ctxvault.http.failures_total"]
	require.True(t, ok, "failures counter not found")
	kinds := sumBy(t, failures, "kind")
	assert.Equal(t, int64(1), kinds["not_found"])
	assert.Equal(t, int64(1), kinds["http_404"])

	dur, ok := metrics["ctxvault.http.request_duration_seconds"]
	require.True(t, ok, "duration histogram not found")
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(4), count)
}

func TestOperationFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"", "unmatched"},
		{"/health", "liveness"},
		{"/api/v1/cleanup", "cleanup"},
		{"/api/v1/contexts/:scope/:id/restore", "restore"},
		{"/api/v1/archives/:scope/:id/check", "check_archive"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, operationFor(tt.path), tt.path)
	}
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(http.StatusOK))
	assert.Equal(t, "4xx", statusClass(http.StatusConflict))
	assert.Equal(t, "5xx", statusClass(http.StatusInternalServerError))
	assert.Equal(t, "unknown", statusClass(0))
}
