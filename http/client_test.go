package http

import (
	"context"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/audit/memory"
	"github.com/gaborage/go-reqlog/capture"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/logger"
	"github.com/gaborage/go-reqlog/replay"
	"github.com/gaborage/go-reqlog/scope"
	"github.com/gaborage/go-reqlog/trace"
)

const (
	testAPIKey      = "X-API-Key"
	testAPIValue    = "test-key"
	testIntercepted = "X-Intercepted"
	testTenant      = "X-Tenant"
)

func newIPv4TestServer(t *testing.T, handler nethttp.Handler) *httptest.Server {
	t.Helper()
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: unable to bind IPv4 listener: %v", err)
	}

	server := &httptest.Server{
		Listener: listener,
		Config:   &nethttp.Server{Handler: handler},
	}
	server.Start()
	t.Cleanup(server.Close)
	return server
}

// recorder captures the last request a test server received.
type recorder struct {
	mu     sync.Mutex
	header nethttp.Header
	method string
	body   string
	calls  int32
}

func (r *recorder) handler(status int) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, req *nethttp.Request) {
		b, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.header = req.Header.Clone()
		r.method = req.Method
		r.body = string(b)
		r.mu.Unlock()
		atomic.AddInt32(&r.calls, 1)
		w.Header().Set("X-Reply", "1")
		w.WriteHeader(status)
		_, _ = w.Write([]byte("reply"))
	}
}

type failingSink struct{ err error }

func (f failingSink) SaveRecord(context.Context, *audit.Record) error { return f.err }
func (f failingSink) SaveRecordAndJob(context.Context, *audit.Record, *audit.RetryJob) error {
	return f.err
}
func (f failingSink) SaveRetryJob(context.Context, *audit.RetryJob) error       { return f.err }
func (f failingSink) SaveRetryRecord(context.Context, *audit.RetryRecord) error { return f.err }

func auditedClient(sink audit.Sink) Client {
	return NewBuilder(logger.NewNop()).
		WithRequestLog(capture.NewHandler(nil, sink, logger.NewNop())).
		Build()
}

func TestNewClient(t *testing.T) {
	assert.NotNil(t, NewClient(nil))
}

func TestBuilderCopiesConfig(t *testing.T) {
	b := NewBuilder(nil).WithTimeout(5*time.Second).WithRetries(2, time.Millisecond)
	c := b.Build().(*client)
	b.WithTimeout(time.Minute)

	assert.Equal(t, 5*time.Second, c.config.Timeout)
	assert.Equal(t, 5*time.Second, c.httpClient.Timeout)
	assert.Equal(t, 2, c.config.MaxRetries)
}

func TestClientHTTPMethods(t *testing.T) {
	rec := &recorder{}
	server := newIPv4TestServer(t, rec.handler(nethttp.StatusOK))
	c := NewClient(nil)
	ctx := context.Background()
	req := &Request{URL: server.URL}

	tests := []struct {
		method string
		call   func() (*Response, error)
	}{
		{nethttp.MethodGet, func() (*Response, error) { return c.Get(ctx, req) }},
		{nethttp.MethodPost, func() (*Response, error) { return c.Post(ctx, req) }},
		{nethttp.MethodPut, func() (*Response, error) { return c.Put(ctx, req) }},
		{nethttp.MethodPatch, func() (*Response, error) { return c.Patch(ctx, req) }},
		{nethttp.MethodDelete, func() (*Response, error) { return c.Delete(ctx, req) }},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			resp, err := tt.call()
			require.NoError(t, err)
			assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
			assert.Equal(t, "reply", string(resp.Body))
			assert.Equal(t, tt.method, rec.method)
			assert.Equal(t, 1, resp.Stats.Attempts)
		})
	}
}

func TestClientRequestValidation(t *testing.T) {
	c := NewClient(nil)

	_, err := c.Get(context.Background(), nil)
	assert.True(t, IsErrorType(err, ValidationError))

	_, err = c.Get(context.Background(), &Request{})
	assert.True(t, IsErrorType(err, ValidationError))
	assert.Contains(t, err.Error(), "field: url")
}

func TestClientHeaders(t *testing.T) {
	rec := &recorder{}
	server := newIPv4TestServer(t, rec.handler(nethttp.StatusOK))

	c := NewBuilder(nil).
		WithDefaultHeader(testAPIKey, "default").
		WithDefaultHeader("User-Agent", "reqlog-test").
		Build()

	_, err := c.Post(trace.WithTraceID(context.Background(), "trace-1"), &Request{
		URL:     server.URL,
		Headers: map[string]string{testAPIKey: testAPIValue},
		Body:    []byte(`{"a":1}`),
	})
	require.NoError(t, err)

	assert.Equal(t, testAPIValue, rec.header.Get(testAPIKey), "request headers override defaults")
	assert.Equal(t, "reqlog-test", rec.header.Get("User-Agent"))
	assert.Equal(t, "application/json", rec.header.Get("Content-Type"))
	assert.Equal(t, "trace-1", rec.header.Get(trace.HeaderXRequestID))
	assert.Equal(t, `{"a":1}`, rec.body)
}

func TestClientGeneratesRequestID(t *testing.T) {
	rec := &recorder{}
	server := newIPv4TestServer(t, rec.handler(nethttp.StatusOK))

	_, err := NewClient(nil).Get(context.Background(), &Request{URL: server.URL})
	require.NoError(t, err)
	assert.Len(t, rec.header.Get(trace.HeaderXRequestID), 36)
}

func TestClientBasicAuth(t *testing.T) {
	rec := &recorder{}
	server := newIPv4TestServer(t, rec.handler(nethttp.StatusOK))
	c := NewBuilder(nil).WithBasicAuth("client", "secret").Build()

	_, err := c.Get(context.Background(), &Request{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "Basic Y2xpZW50OnNlY3JldA==", rec.header.Get("Authorization"))

	_, err = c.Get(context.Background(), &Request{URL: server.URL, Auth: &BasicAuth{Username: "req", Password: "pw"}})
	require.NoError(t, err)
	assert.Equal(t, "Basic cmVxOnB3", rec.header.Get("Authorization"))
}

func TestClientInterceptors(t *testing.T) {
	rec := &recorder{}
	server := newIPv4TestServer(t, rec.handler(nethttp.StatusOK))

	var seenStatus int
	c := NewBuilder(nil).
		WithRequestInterceptor(func(_ context.Context, req *nethttp.Request) error {
			req.Header.Set(testIntercepted, "yes")
			return nil
		}).
		WithResponseInterceptor(func(_ context.Context, _ *nethttp.Request, resp *nethttp.Response) error {
			seenStatus = resp.StatusCode
			return nil
		}).
		Build()

	_, err := c.Get(context.Background(), &Request{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, "yes", rec.header.Get(testIntercepted))
	assert.Equal(t, nethttp.StatusOK, seenStatus)
}

func TestInterceptorErrors(t *testing.T) {
	rec := &recorder{}
	server := newIPv4TestServer(t, rec.handler(nethttp.StatusOK))
	boom := errors.New("boom")

	_, err := NewBuilder(nil).
		WithRequestInterceptor(func(context.Context, *nethttp.Request) error { return boom }).
		WithRetries(3, time.Millisecond).
		Build().
		Get(context.Background(), &Request{URL: server.URL})
	assert.True(t, IsErrorType(err, InterceptorError))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, atomic.LoadInt32(&rec.calls))

	_, err = NewBuilder(nil).
		WithResponseInterceptor(func(context.Context, *nethttp.Request, *nethttp.Response) error { return boom }).
		Build().
		Get(context.Background(), &Request{URL: server.URL})
	assert.True(t, IsErrorType(err, InterceptorError))
	assert.Contains(t, err.Error(), "stage: response")
}

func TestClientHTTPErrorKeepsResponse(t *testing.T) {
	server := newIPv4TestServer(t, (&recorder{}).handler(nethttp.StatusNotFound))

	resp, err := NewClient(nil).Get(context.Background(), &Request{URL: server.URL})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, nethttp.StatusNotFound, resp.StatusCode)
	assert.True(t, IsHTTPStatusError(err, nethttp.StatusNotFound))
	status, ok := StatusOf(err)
	assert.True(t, ok)
	assert.Equal(t, nethttp.StatusNotFound, status)
}

func TestClientRetries(t *testing.T) {
	var calls int32
	server := newIPv4TestServer(t, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(nethttp.StatusOK)
	}))

	resp, err := NewBuilder(nil).WithRetries(3, time.Millisecond).Build().
		Get(context.Background(), &Request{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Stats.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientDoesNotRetry4xx(t *testing.T) {
	rec := &recorder{}
	server := newIPv4TestServer(t, rec.handler(nethttp.StatusBadRequest))

	resp, err := NewBuilder(nil).WithRetries(3, time.Millisecond).Build().
		Get(context.Background(), &Request{URL: server.URL})
	require.Error(t, err)
	assert.Equal(t, 1, resp.Stats.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.calls))
}

func TestBackoffDelayBounds(t *testing.T) {
	c := NewBuilder(nil).WithRetries(1, 10*time.Millisecond).Build().(*client)
	for attempt := 0; attempt < 40; attempt++ {
		d := c.backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, maxBackoff)
	}
}

func TestRequestLogRecordsFailedCall(t *testing.T) {
	server := newIPv4TestServer(t, (&recorder{}).handler(nethttp.StatusInternalServerError))
	sink := memory.New()
	c := auditedClient(sink)

	ctx := scope.LogWithRetry().WithAttribute("flow", "checkout").Enter(context.Background())
	resp, err := c.Post(ctx, &Request{URL: server.URL + "/orders?x=1", Headers: map[string]string{testTenant: "acme"}, Body: []byte(`{"qty":1}`)})
	require.Error(t, err)
	require.NotNil(t, resp)

	records := sink.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, exchange.OriginClient, rec.Origin)
	assert.Equal(t, audit.KindResponse, rec.Kind)
	assert.Equal(t, nethttp.MethodPost, rec.Method)
	assert.Equal(t, server.URL+"/orders?x=1", rec.URL)
	assert.Equal(t, "/orders", rec.Path)
	assert.Equal(t, "acme", rec.RequestHeaders.Get(testTenant))
	assert.Equal(t, `{"qty":1}`, *rec.RequestBody)
	assert.Equal(t, nethttp.StatusInternalServerError, *rec.ResponseStatus)
	assert.Equal(t, "reply", *rec.ResponseBody)
	assert.Equal(t, "checkout", rec.Attributes["flow"])
	assert.Len(t, sink.Jobs(), 1)
}

func TestRequestLogClassifiesFinalOutcomeOnce(t *testing.T) {
	rec := &recorder{}
	server := newIPv4TestServer(t, rec.handler(nethttp.StatusBadGateway))
	sink := memory.New()
	c := NewBuilder(nil).
		WithRetries(2, time.Millisecond).
		WithRequestLog(capture.NewHandler(nil, sink, nil)).
		Build()

	_, err := c.Get(scope.Log().Enter(context.Background()), &Request{URL: server.URL})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&rec.calls))
	assert.Len(t, sink.Records(), 1)
	assert.Empty(t, sink.Jobs())
}

func TestRequestLogSkipsSuccessAndUnscopedCalls(t *testing.T) {
	ok := newIPv4TestServer(t, (&recorder{}).handler(nethttp.StatusOK))
	failing := newIPv4TestServer(t, (&recorder{}).handler(nethttp.StatusInternalServerError))
	sink := memory.New()
	c := auditedClient(sink)

	_, err := c.Get(scope.Log().Enter(context.Background()), &Request{URL: ok.URL})
	require.NoError(t, err)
	_, err = c.Get(context.Background(), &Request{URL: failing.URL})
	require.Error(t, err)
	_, err = c.Get(scope.Detach(scope.Log().Enter(context.Background())), &Request{URL: failing.URL})
	require.Error(t, err)

	assert.Empty(t, sink.Records())
}

func TestRequestLogRecordsTransportError(t *testing.T) {
	server := newIPv4TestServer(t, (&recorder{}).handler(nethttp.StatusOK))
	url := server.URL
	server.Close()

	sink := memory.New()
	_, err := auditedClient(sink).Get(scope.Log().Enter(context.Background()), &Request{URL: url})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, NetworkError))

	records := sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, audit.KindException, records[0].Kind)
	assert.NotEmpty(t, records[0].ErrorMessage)
	assert.Nil(t, records[0].ResponseStatus)
}

func TestRequestLogSinkErrorDoesNotChangeResult(t *testing.T) {
	server := newIPv4TestServer(t, (&recorder{}).handler(nethttp.StatusInternalServerError))
	c := auditedClient(failingSink{err: errors.New("db down")})

	resp, err := c.Get(scope.Log().Enter(context.Background()), &Request{URL: server.URL})
	require.NotNil(t, resp)
	assert.True(t, IsHTTPStatusError(err, nethttp.StatusInternalServerError))
	assert.NotContains(t, err.Error(), "db down")
}

func recordedCall(t *testing.T, url string) *audit.Record {
	t.Helper()
	ex := exchange.NewSnapshot(exchange.OriginClient, nethttp.MethodPost, url).
		WithRequest(exchange.Header{testTenant: {"acme"}, "Content-Type": {"application/json"}}, exchange.String(`{"qty":1}`)).
		WithResponse(nethttp.StatusInternalServerError, nil, nil)
	return audit.NewRecord(ex, audit.KindResponse, time.Now())
}

func TestReplaySucceeds(t *testing.T) {
	rec := &recorder{}
	server := newIPv4TestServer(t, rec.handler(nethttp.StatusOK))
	sink := memory.New()
	c := NewBuilder(nil).
		WithDefaultHeader(testAPIKey, "default").
		WithRequestInterceptor(func(_ context.Context, req *nethttp.Request) error {
			req.Header.Set(testIntercepted, "yes")
			return nil
		}).
		WithRequestLog(capture.NewHandler(nil, sink, nil)).
		Build()

	job, err := audit.NewDefaultRetryJob(recordedCall(t, server.URL+"/v1/orders"), time.Now())
	require.NoError(t, err)
	d := replay.ForJob(job).WithPath("/v2/orders")

	ctx := scope.LogWithRetry().Enter(context.Background())
	result, err := c.Replay(ctx, d)
	require.NoError(t, err)

	assert.True(t, result.Succeeded())
	assert.Equal(t, nethttp.MethodPost, rec.method)
	assert.Equal(t, `{"qty":1}`, rec.body)
	assert.Equal(t, job.ID, rec.header.Get(replay.MarkerHeader))
	assert.Equal(t, "acme", rec.header.Get(testTenant))
	assert.Equal(t, "yes", rec.header.Get(testIntercepted))
	assert.Empty(t, rec.header.Get(testAPIKey), "default headers are not added to replays")
	assert.Empty(t, sink.Records(), "replays are not audited")

	require.NoError(t, replay.Persist(context.Background(), sink, result))
	stored, ok := sink.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, 2, stored.ExecuteCount)
	retries := sink.RetryRecords()
	require.Len(t, retries, 1)
	assert.True(t, retries[0].Succeeded)
	assert.Equal(t, server.URL+"/v2/orders", retries[0].URL)
}

func TestReplayFailedResponse(t *testing.T) {
	server := newIPv4TestServer(t, (&recorder{}).handler(nethttp.StatusInternalServerError))

	result, err := NewClient(nil).Replay(context.Background(), replay.New(recordedCall(t, server.URL), nil))
	require.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.NoError(t, result.Err())
	assert.Equal(t, nethttp.StatusInternalServerError, *result.RetryRecord().ResponseStatus)
}

func TestReplayTransportError(t *testing.T) {
	server := newIPv4TestServer(t, (&recorder{}).handler(nethttp.StatusOK))
	url := server.URL
	server.Close()

	d := replay.New(recordedCall(t, url), nil)
	result, err := NewClient(nil).Replay(context.Background(), d)
	require.NoError(t, err)
	assert.Error(t, result.Err())
	assert.False(t, result.Succeeded())

	d.TolerateErrors(func(error) bool { return true })
	result, err = NewClient(nil).Replay(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
}

func TestReplayInvalidDescriptor(t *testing.T) {
	c := NewClient(nil)

	_, err := c.Replay(context.Background(), nil)
	assert.ErrorIs(t, err, replay.ErrInvalidDescriptor)

	_, err = c.Replay(context.Background(), replay.New(&audit.Record{ID: "r"}, nil))
	assert.ErrorIs(t, err, replay.ErrInvalidDescriptor)
}
