package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { mp.Shutdown(context.Background()) })
	m, err := InitMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

// collect returns the metrics by instrument name
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

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordReconnect(ctx, "registry", 1, 5)
	m.RecordCallbackError(ctx, "orders")
	m.RecordStatus(ctx, "presence", "SUBSCRIBED")
	m.RecordSnapshot(ctx, "admin", "written")
	assert.NoError(t, m.ObserveHealth(func() (bool, int) { return true, 0 }))
}

func TestRecordCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReconnect(ctx, "registry", 0, 10)
	m.RecordReconnect(ctx, "health", 2, 30)
	m.RecordCallbackError(ctx, "orders")
	m.RecordSnapshot(ctx, "admin", "duplicate")

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, got["realtime.reconnect_count"]))
	assert.Equal(t, int64(1), sumOf(t, got["realtime.callback_errors"]))
	assert.Equal(t, int64(1), sumOf(t, got["presence.snapshot_writes"]))
}

func TestObserveHealth(t *testing.T) {
	m, reader := newTestMetrics(t)
	require.NoError(t, m.ObserveHealth(func() (bool, int) { return false, 3 }))

	got := collect(t, reader)
	gauge, ok := got["realtime.reconnect_attempts"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(3), gauge.DataPoints[0].Value)

	state := got["realtime.health_state"].Data.(metricdata.Gauge[int64])
	assert.Equal(t, int64(0), state.DataPoints[0].Value)
}

func TestHTTPMiddlewareRecordsRoute(t *testing.T) {
	m, reader := newTestMetrics(t)
	tel := &Telemetry{config: NewConfig(), metrics: m}

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(tel))
	r.Get("/history/{room}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/history/admin", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got := collect(t, reader)
	sum := got["http.server.request_count"].Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	route, _ := sum.DataPoints[0].Attributes.Value(AttrHTTPRoute)
	assert.Equal(t, "/history/{room}", route.AsString())
}
