package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the request's trace id back to the caller.
const TraceHeader = "X-Trace-ID"

// unmatchedRoute labels requests no mux pattern matched, keeping the path
// attribute bounded.
const unmatchedRoute = "unmatched"

// quietRoutes are polled by orchestrators and scrapers. Successful requests
// to them log at debug level.
var quietRoutes = map[string]bool{
	"GET /healthz": true,
	"GET /readyz":  true,
	"GET /metrics": true,
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware wraps the admin mux. Each request joins the caller's W3C trace
// (or starts one), runs inside a server span named after the matched route,
// and is recorded in [Metrics.HTTPRequestDuration] labelled by route rather
// than raw path. Failed requests log at warn, quiet routes at debug.
//
// The route is read from [http.Request.Pattern] after next has served, so
// next is expected to be an [http.ServeMux].
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "admin "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			traceID := TraceID(ctx)
			if traceID != "" {
				w.Header().Set(TraceHeader, traceID)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			} else {
				span.SetName("admin " + route)
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", sw.status),
				),
			)

			level := slog.LevelInfo
			switch {
			case quietRoutes[route] && sw.status == http.StatusServiceUnavailable:
				// A failing readiness check is routine, not a server fault.
			case sw.status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case quietRoutes[route] && sw.status < http.StatusBadRequest:
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "admin request",
				slog.String("trace_id", traceID),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
