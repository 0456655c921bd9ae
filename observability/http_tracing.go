package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// HTTPTracingMiddleware starts a server span per request, continuing any
// W3C trace context found in the request headers
func HTTPTracingMiddleware(tracer Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := tracer.Extract(r.Context(), HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(r.URL.Path),
					attribute.String("http.user_agent", r.UserAgent()),
					semconv.HTTPRequestContentLengthKey.Int64(r.ContentLength),
					semconv.NetHostName(r.Host),
				),
			)
			defer span.End()

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(recorder.statusCode))
			if recorder.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(recorder.statusCode))
			}
		})
	}
}

// HTTPLoggingMiddleware logs one line per request once it completes
func HTTPLoggingMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(recorder, r)

			fields := []Field{
				NewField("method", r.Method),
				NewField("path", r.URL.Path),
				NewField("status", recorder.statusCode),
				NewField("duration_ms", time.Since(start).Milliseconds()),
			}
			log := logger.WithContext(r.Context())
			if recorder.statusCode >= 500 {
				log.Warn("HTTP request failed", fields...)
				return
			}
			log.Debug("HTTP request completed", fields...)
		})
	}
}

// CombinedHTTPMiddleware applies tracing, then metrics, then logging
func CombinedHTTPMiddleware(tracer Tracer, metrics Metrics, logger Logger) func(http.Handler) http.Handler {
	tracing := HTTPTracingMiddleware(tracer)
	metering := HTTPMetricsMiddleware(metrics)
	logging := HTTPLoggingMiddleware(logger)

	return func(next http.Handler) http.Handler {
		return tracing(metering(logging(next)))
	}
}
