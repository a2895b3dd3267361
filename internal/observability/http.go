package observability

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/csai/chall-instancer/internal/metrics"
)

type ctxKey struct{}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// Middleware tags each request with an id and a server span, counts it and
// writes one access log line. The user id header is logged so lifecycle
// events can be joined with the request that caused them.
func Middleware(logger *slog.Logger, reg *metrics.Registry, next http.Handler) http.Handler {
	tracer := otel.Tracer("github.com/csai/chall-instancer/internal/observability")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("request_id", requestID),
			))
		defer span.End()
		r = r.WithContext(context.WithValue(ctx, ctxKey{}, requestID))
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		// Label by mux pattern when one matched to keep path cardinality bounded.
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		reg.IncRequest(route)
		reg.ObserveRequestDuration(elapsed)
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))

		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelWarn
			span.SetStatus(codes.Error, http.StatusText(rec.status))
			reg.IncError()
		case rec.status >= 400:
			reg.IncError()
		}
		logger.LogAttrs(r.Context(), level, "http_request",
			slog.String("request_id", requestID),
			slog.String("traceparent", r.Header.Get("Traceparent")),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route", route),
			slog.String("user_id", r.Header.Get("X-User-ID")),
			slog.Int("status", rec.status),
			slog.Int("bytes", rec.bytes),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}
