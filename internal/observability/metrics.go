package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Common attribute keys
var (
	AttrComponent    = attribute.Key("component")
	AttrSubscription = attribute.Key("subscription")
	AttrOutcome      = attribute.Key("outcome")
	AttrRoom         = attribute.Key("room")
	AttrHTTPMethod   = attribute.Key("http.method")
	AttrHTTPRoute    = attribute.Key("http.route")
	AttrHTTPStatus   = attribute.Key("http.status_code")
)

// HealthFunc reports the aggregate connection health for the gauge callback.
type HealthFunc func() (healthy bool, reconnectAttempts int)

// Metrics holds the recovery facility's instruments. All record methods are
// safe on a nil *Metrics, so components can run without telemetry.
type Metrics struct {
	meter metric.Meter

	ReconnectCount      metric.Int64Counter
	ReconnectDuration   metric.Float64Histogram
	CallbackErrors      metric.Int64Counter
	StatusChanges       metric.Int64Counter
	SnapshotWrites      metric.Int64Counter
	HTTPRequestCount    metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
}

// InitMetrics creates instruments on mp.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("tableside")
	m := &Metrics{meter: meter}

	var err error
	if m.ReconnectCount, err = meter.Int64Counter("realtime.reconnect_count",
		metric.WithDescription("Reconnect sweeps started, by component and outcome"),
		metric.WithUnit("{reconnect}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create reconnect counter: %w", err)
	}
	if m.ReconnectDuration, err = meter.Float64Histogram("realtime.reconnect_duration",
		metric.WithDescription("Time to tear down and recreate channels"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create reconnect histogram: %w", err)
	}
	if m.CallbackErrors, err = meter.Int64Counter("realtime.callback_errors",
		metric.WithDescription("Subscription callbacks that returned an error or panicked"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create callback error counter: %w", err)
	}
	if m.StatusChanges, err = meter.Int64Counter("realtime.channel_status",
		metric.WithDescription("Channel subscribe status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create status counter: %w", err)
	}
	if m.SnapshotWrites, err = meter.Int64Counter("presence.snapshot_writes",
		metric.WithDescription("Occupancy snapshots written, skipped or failed"),
		metric.WithUnit("{snapshot}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create snapshot counter: %w", err)
	}
	if m.HTTPRequestCount, err = meter.Int64Counter("http.server.request_count",
		metric.WithDescription("Number of status server requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request count counter: %w", err)
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram("http.server.request_duration",
		metric.WithDescription("Status server request latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}
	return m, nil
}

// ObserveHealth registers gauges fed by fn: realtime.health_state (1 healthy,
// 0 not) and realtime.reconnect_attempts.
func (m *Metrics) ObserveHealth(fn HealthFunc) error {
	if m == nil {
		return nil
	}
	state, err := m.meter.Int64ObservableGauge("realtime.health_state",
		metric.WithDescription("1 when every monitored channel is fresh"))
	if err != nil {
		return fmt.Errorf("failed to create health gauge: %w", err)
	}
	attempts, err := m.meter.Int64ObservableGauge("realtime.reconnect_attempts",
		metric.WithDescription("Consecutive unhealthy health ticks"))
	if err != nil {
		return fmt.Errorf("failed to create attempts gauge: %w", err)
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		healthy, n := fn()
		v := int64(0)
		if healthy {
			v = 1
		}
		o.ObserveInt64(state, v)
		o.ObserveInt64(attempts, int64(n))
		return nil
	}, state, attempts)
	return err
}

// RecordReconnect counts one reconnect sweep.
func (m *Metrics) RecordReconnect(ctx context.Context, component string, failures int, durationMs float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failures > 0 {
		outcome = "partial"
	}
	attrs := metric.WithAttributes(AttrComponent.String(component), AttrOutcome.String(outcome))
	m.ReconnectCount.Add(ctx, 1, attrs)
	m.ReconnectDuration.Record(ctx, durationMs, metric.WithAttributes(AttrComponent.String(component)))
}

// RecordCallbackError counts a failed subscription callback.
func (m *Metrics) RecordCallbackError(ctx context.Context, subscription string) {
	if m == nil {
		return
	}
	m.CallbackErrors.Add(ctx, 1, metric.WithAttributes(AttrSubscription.String(subscription)))
}

// RecordStatus counts a channel status transition.
func (m *Metrics) RecordStatus(ctx context.Context, component, status string) {
	if m == nil {
		return
	}
	m.StatusChanges.Add(ctx, 1, metric.WithAttributes(AttrComponent.String(component), AttrOutcome.String(status)))
}

// RecordSnapshot counts an occupancy snapshot attempt; outcome is
// "written", "duplicate" or "error".
func (m *Metrics) RecordSnapshot(ctx context.Context, room, outcome string) {
	if m == nil {
		return
	}
	m.SnapshotWrites.Add(ctx, 1, metric.WithAttributes(AttrRoom.String(room), AttrOutcome.String(outcome)))
}
