package capture

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/audit/memory"
	"github.com/gaborage/go-reqlog/backoff"
	"github.com/gaborage/go-reqlog/classify"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/logger"
	"github.com/gaborage/go-reqlog/scope"
	"github.com/gaborage/go-reqlog/trace"
)

var errReset = errors.New("connection reset by peer")

func failing() *exchange.Snapshot {
	return exchange.NewSnapshot(exchange.OriginClient, http.MethodPost, "https://payments.internal/v1/charge").
		WithRequest(exchange.Header{"Content-Type": {"application/json"}}, exchange.String(`{"amount":10}`)).
		WithError(errReset)
}

func responding(code int) *exchange.Snapshot {
	return exchange.NewSnapshot(exchange.OriginClient, http.MethodGet, "https://payments.internal/v1/charge/1").
		WithResponse(code, exchange.Header{"Content-Type": {"text/plain"}}, exchange.String("body"))
}

func TestNoScopeIsNotLoggable(t *testing.T) {
	sink := memory.New()
	h := NewHandler(nil, sink, nil)

	c := h.Classify(context.Background(), failing())
	assert.False(t, c.Loggable())
	assert.False(t, c.Retryable())
	assert.Nil(t, c.Record())
	assert.Nil(t, c.RetryJob())
	assert.Empty(t, c.Kind())

	require.NoError(t, h.Handle(context.Background(), failing()))
	assert.Empty(t, sink.Records())
}

func TestExceptionUsesErrorClassifier(t *testing.T) {
	ctx := scope.Log().Enter(context.Background())
	c := NewHandler(nil, memory.New(), nil).Classify(ctx, failing())

	assert.True(t, c.Loggable())
	assert.False(t, c.Retryable())
	assert.Equal(t, audit.KindException, c.Kind())

	rec := c.Record()
	require.NotNil(t, rec)
	assert.Equal(t, "connection reset by peer", rec.ErrorMessage)
	assert.Same(t, rec, c.Record(), "record is memoized")
	assert.Nil(t, c.RetryJob())
}

func TestResponseUsesResponseClassifier(t *testing.T) {
	ctx := scope.Log().Enter(context.Background())
	h := NewHandler(nil, memory.New(), nil)

	ok := h.Classify(ctx, responding(http.StatusOK))
	assert.False(t, ok.Loggable())
	assert.Equal(t, audit.KindResponse, ok.Kind())

	bad := h.Classify(ctx, responding(http.StatusServiceUnavailable))
	assert.True(t, bad.Loggable())
	assert.Equal(t, audit.KindResponse, bad.Kind())
	assert.Equal(t, http.StatusServiceUnavailable, *bad.Record().ResponseStatus)
}

func TestTierOrder(t *testing.T) {
	reg := classify.NewRegistry()
	reg.RegisterResponseClassifier(classify.NeverFail)
	reg.RegisterResponseClassifier(classify.FailOnStatus(http.StatusNotFound), exchange.OriginClient)
	h := NewHandler(reg, memory.New(), nil)

	t.Run("per origin beats global", func(t *testing.T) {
		ctx := scope.Log().Enter(context.Background())
		assert.True(t, h.Classify(ctx, responding(http.StatusNotFound)).Loggable())
		assert.False(t, h.Classify(ctx, responding(http.StatusInternalServerError)).Loggable())
	})

	t.Run("global applies to other origins", func(t *testing.T) {
		ctx := scope.Log().Enter(context.Background())
		ex := exchange.NewSnapshot(exchange.OriginTransport, http.MethodGet, "http://x").WithResponse(http.StatusNotFound, nil, nil)
		assert.False(t, h.Classify(ctx, ex).Loggable())
	})

	t.Run("per call beats per origin", func(t *testing.T) {
		ctx := scope.Log().WithResponseClassifier(classify.FailOnServerError).Enter(context.Background())
		assert.False(t, h.Classify(ctx, responding(http.StatusNotFound)).Loggable())
		assert.True(t, h.Classify(ctx, responding(http.StatusInternalServerError)).Loggable())
	})

	t.Run("per call error override", func(t *testing.T) {
		ctx := scope.Log().IgnoreErrors(errReset).Enter(context.Background())
		assert.False(t, h.Classify(ctx, failing()).Loggable())
	})
}

func TestClassificationIsMemoized(t *testing.T) {
	calls := 0
	ctx := scope.Log().WithErrorClassifier(func(error) bool {
		calls++
		return true
	}).Enter(context.Background())

	c := NewHandler(nil, memory.New(), nil).Classify(ctx, failing())
	c.Loggable()
	c.Retryable()
	c.Kind()
	c.Record()
	assert.Equal(t, 1, calls)
}

func TestPredicatePanicIsNotLoggable(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "error")
	ctx := scope.LogWithRetry().WithErrorClassifier(func(error) bool {
		panic("bad predicate")
	}).Enter(context.Background())

	sink := memory.New()
	h := NewHandler(nil, sink, log)

	require.NoError(t, h.Handle(ctx, failing()))
	assert.Empty(t, sink.Records())
	assert.Contains(t, buf.String(), "bad predicate")
}

func TestRecordCarriesScopeAttributesAndTrace(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "trace-1")
	ctx = scope.Log().WithAttribute("tenant", "acme").Enter(ctx)

	rec := NewHandler(nil, memory.New(), nil).Classify(ctx, failing()).Record()
	require.NotNil(t, rec)
	assert.Equal(t, "trace-1", rec.TraceID)
	assert.Equal(t, map[string]string{"tenant": "acme"}, rec.Attributes)
	assert.Equal(t, exchange.OriginClient, rec.Origin)
}

func TestRetryJobFromScope(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	ctx := scope.LogWithRetry().
		WithWaitStrategy(backoff.Incremental).
		WithRetryInterval(30 * time.Second).
		WithMaxExecuteCount(5).
		Enter(context.Background())
	s, _ := scope.FromContext(ctx)

	c := NewHandler(nil, memory.New(), nil, WithClock(func() time.Time { return fixed })).Classify(ctx, failing())
	job := c.RetryJob()

	require.NotNil(t, job)
	assert.NotEmpty(t, job.ID)
	assert.Same(t, c.Record(), job.Record)
	assert.Equal(t, backoff.Incremental, job.Strategy)
	assert.Equal(t, 30*time.Second, job.Interval)
	assert.Equal(t, s.EnteredAt(), job.LastExecution)
	assert.Equal(t, fixed.Add(30*time.Second), job.NextExecution)
	assert.Equal(t, 1, job.ExecuteCount)
	assert.Equal(t, 5, job.MaxExecuteCount)
	assert.Same(t, job, c.RetryJob())
}

// Exception under a retrying scope: one EXCEPTION record plus one job with
// execute count 1 due about one interval after scope entry.
func TestHandleExceptionWithRetry(t *testing.T) {
	sink := memory.New()
	h := NewHandler(nil, sink, nil)

	err := scope.LogWithRetry().WithRetryInterval(60*time.Second).WithWaitStrategy(backoff.Fixed).
		Run(context.Background(), func(ctx context.Context) error {
			entered, _ := scope.FromContext(ctx)
			require.NoError(t, h.Handle(ctx, failing()))

			jobs := sink.Jobs()
			require.Len(t, jobs, 1)
			assert.Equal(t, 1, jobs[0].ExecuteCount)
			assert.WithinDuration(t, entered.EnteredAt().Add(60*time.Second), jobs[0].NextExecution, time.Second)
			return nil
		})
	require.NoError(t, err)

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, audit.KindException, records[0].Kind)
	assert.Equal(t, records[0].ID, sink.Jobs()[0].Record.ID)
}

func TestHandleWithoutRetryWritesRecordOnly(t *testing.T) {
	sink := memory.New()
	h := NewHandler(nil, sink, nil)
	ctx := scope.Log().Enter(context.Background())

	require.NoError(t, h.Handle(ctx, responding(http.StatusBadGateway)))
	assert.Len(t, sink.Records(), 1)
	assert.Empty(t, sink.Jobs())
}

func TestHandleWithoutSink(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	ctx := scope.Log().Enter(context.Background())

	assert.ErrorIs(t, h.Handle(ctx, failing()), ErrNoSink)
	assert.NoError(t, h.Handle(ctx, responding(http.StatusOK)))
}
