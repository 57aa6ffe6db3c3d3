package trace

import (
	"context"
	nethttp "net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func TestEnsureTraceID_UsesExisting(t *testing.T) {
	ctx := WithTraceID(context.Background(), "existing-trace-id")
	assert.Equal(t, "existing-trace-id", EnsureTraceID(ctx))
}

func TestEnsureTraceID_GeneratesWhenMissing(t *testing.T) {
	got := EnsureTraceID(context.Background())
	re := regexp.MustCompile(`^[a-f0-9\-]{36}$`)
	assert.True(t, re.MatchString(strings.ToLower(got)))
}

func TestIDFromContext_Missing(t *testing.T) {
	_, ok := IDFromContext(context.Background())
	assert.False(t, ok)
}

func TestIDFromContext_SpanFallback(t *testing.T) {
	tid, err := oteltrace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	sid, err := oteltrace.SpanIDFromHex("0123456789abcdef")
	require.NoError(t, err)
	sc := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{TraceID: tid, SpanID: sid})
	ctx := oteltrace.ContextWithSpanContext(context.Background(), sc)

	got, ok := IDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", got)

	got, _ = IDFromContext(WithTraceID(ctx, "explicit"))
	assert.Equal(t, "explicit", got)
}

func TestFromHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header nethttp.Header
		want   string
		ok     bool
	}{
		{"request id", nethttp.Header{"X-Request-Id": {"rid-1"}}, "rid-1", true},
		{
			"traceparent",
			nethttp.Header{"Traceparent": {"00-DEADBEEFDEADBEEFDEADBEEFDEADBEEF-0123456789abcdef-01"}},
			"deadbeefdeadbeefdeadbeefdeadbeef",
			true,
		},
		{
			"request id wins",
			nethttp.Header{
				"X-Request-Id": {"rid-2"},
				"Traceparent":  {"00-deadbeefdeadbeefdeadbeefdeadbeef-0123456789abcdef-01"},
			},
			"rid-2",
			true,
		},
		{"malformed traceparent", nethttp.Header{"Traceparent": {"garbage"}}, "", false},
		{"empty", nethttp.Header{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FromHeaders(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
