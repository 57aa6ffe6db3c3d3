package http

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	nethttp "net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/gaborage/go-reqlog/capture"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/internal/tracking"
	"github.com/gaborage/go-reqlog/logger"
	"github.com/gaborage/go-reqlog/replay"
	"github.com/gaborage/go-reqlog/scope"
	"github.com/gaborage/go-reqlog/trace"
)

const (
	// DefaultTimeout is the default request timeout duration
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of in-call retries
	DefaultMaxRetries = 0

	// DefaultRetryDelay is the base delay between in-call retries
	DefaultRetryDelay = 1 * time.Second

	maxBackoff = 30 * time.Second
	tracerName = "go-reqlog/http"
)

type client struct {
	httpClient *nethttp.Client
	logger     logger.Logger
	config     *Config
	callCount  int64
}

// outcome is the result of one attempt.
type outcome struct {
	sent *nethttp.Request
	resp *Response
	err  error
	// cause is the underlying failure recorded on the audit exchange
	cause error
	retry bool
}

// NewClient creates a REST client with the default configuration and no
// request logging.
func NewClient(log logger.Logger) Client {
	return NewBuilder(log).Build()
}

// Builder configures a REST client.
type Builder struct {
	config *Config
	logger logger.Logger
}

// NewBuilder creates a client builder. A nil logger discards output.
func NewBuilder(log logger.Logger) *Builder {
	if log == nil {
		log = logger.NewNop()
	}
	return &Builder{
		config: &Config{
			Timeout:        DefaultTimeout,
			MaxRetries:     DefaultMaxRetries,
			RetryDelay:     DefaultRetryDelay,
			DefaultHeaders: make(map[string]string),
		},
		logger: log,
	}
}

// WithTimeout sets the per-attempt timeout
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.config.Timeout = timeout
	return b
}

// WithRetries enables in-call retries of transport failures and 5xx responses.
func (b *Builder) WithRetries(maxRetries int, retryDelay time.Duration) *Builder {
	b.config.MaxRetries = maxRetries
	b.config.RetryDelay = retryDelay
	return b
}

// WithBasicAuth sets basic authentication credentials
func (b *Builder) WithBasicAuth(username, password string) *Builder {
	b.config.BasicAuth = &BasicAuth{Username: username, Password: password}
	return b
}

// WithDefaultHeader adds a header sent with every call. Replays send the
// recorded headers instead.
func (b *Builder) WithDefaultHeader(key, value string) *Builder {
	b.config.DefaultHeaders[key] = value
	return b
}

// WithRequestInterceptor adds a request interceptor
func (b *Builder) WithRequestInterceptor(interceptor RequestInterceptor) *Builder {
	b.config.RequestInterceptors = append(b.config.RequestInterceptors, interceptor)
	return b
}

// WithResponseInterceptor adds a response interceptor
func (b *Builder) WithResponseInterceptor(interceptor ResponseInterceptor) *Builder {
	b.config.ResponseInterceptors = append(b.config.ResponseInterceptors, interceptor)
	return b
}

// WithTransport sets the round tripper used by the underlying http.Client.
func (b *Builder) WithTransport(rt nethttp.RoundTripper) *Builder {
	b.config.Transport = rt
	return b
}

// WithRequestLog audits calls made under a scope through h. The final
// outcome of each call is classified once, after in-call retries.
func (b *Builder) WithRequestLog(h *capture.Handler) *Builder {
	b.config.RequestLog = h
	return b
}

// Build creates the REST client with the configured options
func (b *Builder) Build() Client {
	cfg := *b.config
	return &client{
		httpClient: &nethttp.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		logger: b.logger,
		config: &cfg,
	}
}

func (c *client) Get(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodGet, req)
}

func (c *client) Post(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPost, req)
}

func (c *client) Put(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPut, req)
}

func (c *client) Patch(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPatch, req)
}

func (c *client) Delete(ctx context.Context, req *Request) (*Response, error) {
	return c.Do(ctx, nethttp.MethodDelete, req)
}

// Do performs an HTTP request with the specified method. Non-2xx responses
// are returned together with an HTTP error.
func (c *client) Do(ctx context.Context, method string, req *Request) (*Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	start := time.Now()
	callCount := atomic.AddInt64(&c.callCount, 1)

	var out outcome
	attempts := 0
	for {
		attempts++
		out = c.attempt(ctx, method, req)
		if !out.retry || attempts > c.config.MaxRetries {
			break
		}
		if !sleep(ctx, c.backoffDelay(attempts-1)) {
			break
		}
	}

	if out.resp != nil {
		out.resp.Stats = Stats{ElapsedTime: time.Since(start), CallCount: callCount, Attempts: attempts}
		c.logResponse(out.resp)
	}
	c.audit(ctx, req, out)
	return out.resp, out.err
}

func (c *client) attempt(ctx context.Context, method string, req *Request) outcome {
	c.logRequest(method, req)

	httpReq, err := c.buildRequest(ctx, method, req)
	if err != nil {
		return outcome{err: err, cause: err}
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return outcome{sent: httpReq, err: NewTimeoutError("request timeout", c.config.Timeout, err), cause: err, retry: true}
		}
		return outcome{sent: httpReq, err: NewNetworkError("request execution failed", err), cause: err, retry: true}
	}

	resp, err := c.readResponse(ctx, httpReq, httpResp)
	if err != nil {
		return outcome{sent: httpReq, err: err, cause: err, retry: IsErrorType(err, NetworkError)}
	}

	out := outcome{sent: httpReq, resp: resp}
	if !IsSuccessStatus(resp.StatusCode) {
		out.err = NewHTTPError(fmt.Sprintf("HTTP request failed with status %d", resp.StatusCode), resp.StatusCode, resp.Body)
		out.retry = isRetryableStatus(resp.StatusCode)
	}
	return out
}

// audit hands the final outcome to the request log. Calls that never reached
// the transport, calls outside a scope and replays are not audited. Sink
// failures are logged and never change the call's result.
func (c *client) audit(ctx context.Context, req *Request, out outcome) {
	h := c.config.RequestLog
	if h == nil || out.sent == nil || replay.InProgress(ctx) {
		return
	}
	if _, ok := scope.FromContext(ctx); !ok {
		return
	}

	snap := exchange.NewSnapshot(exchange.OriginClient, out.sent.Method, out.sent.URL.String()).
		WithRequest(exchange.FromHTTP(out.sent.Header), exchange.Body(req.Body))
	if out.resp != nil {
		snap.WithResponse(out.resp.StatusCode, exchange.FromHTTP(out.resp.Headers), exchange.Body(out.resp.Body))
	} else {
		snap.WithError(out.cause)
	}

	if err := h.Handle(ctx, snap); err != nil {
		c.logger.Warn().
			Err(err).
			Str("method", out.sent.Method).
			Str("url", out.sent.URL.String()).
			Msg("Failed to write request log record")
	}
}

// Replay re-sends the request described by d once, tagged with the replay
// marker header, and evaluates the outcome. Transport failures are part of
// the result; an error is returned only when no request could be built.
func (c *client) Replay(ctx context.Context, d *replay.Descriptor) (*replay.Result, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil descriptor", replay.ErrInvalidDescriptor)
	}
	marker := d.Marker()
	req, err := d.Build(marker)
	if err != nil {
		return nil, err
	}
	ctx = replay.NewContext(ctx, marker)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "replay "+req.Method,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLFull(req.URL),
			attribute.String("reqlog.replay.marker", marker),
		))
	defer span.End()

	httpReq, err := req.HTTPRequest(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, NewValidationError(fmt.Sprintf("replay request: %v", err), "url")
	}

	start := time.Now()
	snap := c.send(ctx, httpReq, req)
	result := replay.NewResult(exchange.OriginClient, start, d, snap, nil,
		replay.WithLogger(c.logger),
		replay.WithRequest(req))

	elapsed := time.Since(start)
	succeeded := result.Succeeded()
	tracking.RecordReplay(ctx, exchange.OriginClient.String(), succeeded, elapsed)

	if status := snap.ResponseStatus(); status != nil {
		span.SetAttributes(semconv.HTTPResponseStatusCode(*status))
	}
	if !succeeded {
		if result.Err() != nil {
			span.RecordError(result.Err())
		}
		span.SetStatus(codes.Error, "replay failed")
	}

	c.logger.Debug().
		Str("marker", marker).
		Str("method", req.Method).
		Str("url", req.URL).
		Bool("succeeded", succeeded).
		Dur("elapsed", elapsed).
		Msg("Replay finished")
	return result, nil
}

// send performs a single replay attempt and describes it as an exchange.
func (c *client) send(ctx context.Context, httpReq *nethttp.Request, req *replay.Request) *exchange.Snapshot {
	// a recorded traceparent belongs to the original call
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	if err := c.runRequestInterceptors(ctx, httpReq); err != nil {
		return req.Snapshot(exchange.OriginClient).WithError(NewInterceptorError("request interceptor failed", "request", err))
	}
	snap := exchange.NewSnapshot(exchange.OriginClient, req.Method, req.URL).
		WithRequest(exchange.FromHTTP(httpReq.Header), req.Body)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return snap.WithError(err)
	}
	resp, err := c.readResponse(ctx, httpReq, httpResp)
	if err != nil {
		return snap.WithError(err)
	}
	return snap.WithResponse(resp.StatusCode, exchange.FromHTTP(resp.Headers), exchange.Body(resp.Body))
}

// backoffDelay is full-jitter exponential backoff based on RetryDelay.
func (c *client) backoffDelay(attempt int) time.Duration {
	base := c.config.RetryDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	d := base << min(attempt, 20)
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	n, err := crand.Int(crand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return d
	}
	return time.Duration(n.Int64())
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func validateRequest(req *Request) error {
	if req == nil {
		return NewValidationError("request cannot be nil", "request")
	}
	if req.URL == "" {
		return NewValidationError("URL cannot be empty", "url")
	}
	return nil
}

// applyHeaders sets default headers, then request headers, then a JSON
// content type when a body has none.
func (c *client) applyHeaders(ctx context.Context, httpReq *nethttp.Request, req *Request) {
	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if httpReq.Header.Get("Content-Type") == "" && req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get(trace.HeaderXRequestID) == "" {
		httpReq.Header.Set(trace.HeaderXRequestID, trace.EnsureTraceID(ctx))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
}

// applyAuth prefers request credentials over the client's.
func (c *client) applyAuth(httpReq *nethttp.Request, req *Request) {
	auth := req.Auth
	if auth == nil {
		auth = c.config.BasicAuth
	}
	if auth != nil {
		httpReq.SetBasicAuth(auth.Username, auth.Password)
	}
}

func (c *client) buildRequest(ctx context.Context, method string, req *Request) (*nethttp.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := nethttp.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, NewNetworkError("failed to create HTTP request", err)
	}

	c.applyHeaders(ctx, httpReq, req)
	c.applyAuth(httpReq, req)

	if err := c.runRequestInterceptors(ctx, httpReq); err != nil {
		return nil, NewInterceptorError("request interceptor failed", "request", err)
	}
	return httpReq, nil
}

// readResponse runs response interceptors and drains the body.
func (c *client) readResponse(ctx context.Context, httpReq *nethttp.Request, httpResp *nethttp.Response) (*Response, error) {
	defer httpResp.Body.Close()

	if err := c.runResponseInterceptors(ctx, httpReq, httpResp); err != nil {
		return nil, NewInterceptorError("response interceptor failed", "response", err)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewNetworkError("failed to read response body", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    httpResp.Header,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetryableStatus(code int) bool {
	return code >= 500 && code < 600
}

func (c *client) runRequestInterceptors(ctx context.Context, req *nethttp.Request) error {
	for _, interceptor := range c.config.RequestInterceptors {
		if err := interceptor(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) runResponseInterceptors(ctx context.Context, req *nethttp.Request, resp *nethttp.Response) error {
	for _, interceptor := range c.config.ResponseInterceptors {
		if err := interceptor(ctx, req, resp); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) logRequest(method string, req *Request) {
	ev := c.logger.Debug().
		Str("direction", "outbound").
		Str("method", method).
		Str("url", req.URL)
	if len(req.Headers) > 0 {
		ev.Interface("headers", req.Headers)
	}
	ev.Int("body_bytes", len(req.Body)).Msg("REST client request")
}

func (c *client) logResponse(resp *Response) {
	c.logger.Debug().
		Str("direction", "inbound").
		Int("status", resp.StatusCode).
		Dur("elapsed", resp.Stats.ElapsedTime).
		Int64("call_count", resp.Stats.CallCount).
		Int("attempts", resp.Stats.Attempts).
		Int("body_bytes", len(resp.Body)).
		Msg("REST client response")
}
