package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware traces each status-server request and records request
// metrics. With telemetry disabled it is a pass-through.
func HTTPMiddleware(tel *Telemetry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := tel.Tracer("tableside/server").Start(r.Context(), r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(AttrHTTPMethod.String(r.Method)),
			)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			span.SetName(r.Method + " " + route)
			span.SetAttributes(AttrHTTPRoute.String(route), AttrHTTPStatus.Int(status))
			if status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(status))
			}

			if m := tel.Metrics(); m != nil {
				attrs := metric.WithAttributes(AttrHTTPMethod.String(r.Method), AttrHTTPRoute.String(route), AttrHTTPStatus.Int(status))
				m.HTTPRequestCount.Add(ctx, 1, attrs)
				m.HTTPRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
			}
		})
	}
}
