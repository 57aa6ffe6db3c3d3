// Package trace resolves the trace identifier stamped onto audit records.
package trace

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"

	// HeaderXRequestID is the conventional request id header.
	HeaderXRequestID = "X-Request-ID"
	// HeaderTraceParent is the W3C trace context header.
	HeaderTraceParent = "traceparent"
)

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// IDFromContext returns the trace ID stored on ctx, falling back to the
// active OpenTelemetry span.
func IDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if traceID, ok := ctx.Value(traceIDKey).(string); ok && traceID != "" {
		return traceID, true
	}
	if sc := oteltrace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String(), true
	}
	return "", false
}

// EnsureTraceID returns the trace ID on ctx or a fresh UUID.
func EnsureTraceID(ctx context.Context) string {
	if traceID, ok := IDFromContext(ctx); ok {
		return traceID
	}
	return uuid.New().String()
}

// FromHeaders extracts a trace ID from request headers, preferring
// X-Request-ID over the trace-id segment of traceparent.
func FromHeaders(h http.Header) (string, bool) {
	if id := strings.TrimSpace(h.Get(HeaderXRequestID)); id != "" {
		return id, true
	}
	// version-traceid-spanid-flags
	parts := strings.Split(h.Get(HeaderTraceParent), "-")
	if len(parts) == 4 && len(parts[1]) == 32 {
		return strings.ToLower(parts[1]), true
	}
	return "", false
}
