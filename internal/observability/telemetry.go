package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// shutdownTimeout is the maximum time to wait for shutdown.
const shutdownTimeout = 5 * time.Second

// Telemetry holds OTel providers and configuration.
type Telemetry struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metrics        *Metrics
	shutdownOnce   sync.Once
}

// Init initializes OpenTelemetry with the given configuration.
// Returns Telemetry manager, cleanup function, and error.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	tel := &Telemetry{config: cfg}
	if !cfg.ShouldEnable() {
		return tel, func() {}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, nil, err
		}
		tel.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			tel.Cleanup()
			return nil, nil, err
		}
		tel.meterProvider = mp
		otel.SetMeterProvider(mp)

		metrics, err := InitMetrics(mp)
		if err != nil {
			tel.Cleanup()
			return nil, nil, err
		}
		tel.metrics = metrics
	}

	return tel, tel.Cleanup, nil
}

// TracerProvider returns the tracer provider (or noop if disabled).
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t != nil && t.tracerProvider != nil {
		return t.tracerProvider
	}
	return tracenoop.NewTracerProvider()
}

// MeterProvider returns the meter provider (or noop if disabled).
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t != nil && t.meterProvider != nil {
		return t.meterProvider
	}
	return noop.NewMeterProvider()
}

// Tracer returns a named tracer from the configured provider.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider().Tracer(name)
}

// Metrics returns the metric instruments (or nil if disabled).
func (t *Telemetry) Metrics() *Metrics {
	if t == nil {
		return nil
	}
	return t.metrics
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}

// Shutdown flushes and closes all providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		var errs []error
		if t.tracerProvider != nil {
			errs = append(errs, t.tracerProvider.Shutdown(ctx))
		}
		if t.meterProvider != nil {
			errs = append(errs, t.meterProvider.ForceFlush(ctx), t.meterProvider.Shutdown(ctx))
		}
		err = errors.Join(errs...)
	})
	return err
}

// Cleanup is a convenience function for defer cleanup.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}
