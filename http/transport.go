package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/gaborage/go-reqlog/capture"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/internal/tracking"
	"github.com/gaborage/go-reqlog/replay"
	"github.com/gaborage/go-reqlog/scope"
)

// Transport is an http.RoundTripper that audits exchanges made under a
// scope. Request and response bodies are buffered so both the caller and the
// audit record see them; the response is returned to the caller unchanged.
type Transport struct {
	base    nethttp.RoundTripper
	handler *capture.Handler
}

// NewTransport wraps base, defaulting to http.DefaultTransport.
func NewTransport(base nethttp.RoundTripper, handler *capture.Handler) *Transport {
	if base == nil {
		base = nethttp.DefaultTransport
	}
	return &Transport{base: base, handler: handler}
}

// WrapClient returns a shallow copy of c whose transport audits exchanges.
func WrapClient(c *nethttp.Client, handler *capture.Handler) *nethttp.Client {
	if c == nil {
		c = &nethttp.Client{}
	}
	wrapped := *c
	wrapped.Transport = NewTransport(c.Transport, handler)
	return &wrapped
}

func (t *Transport) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	ctx := req.Context()
	if t.handler == nil || replay.InProgress(ctx) {
		return t.base.RoundTrip(req)
	}
	if _, ok := scope.FromContext(ctx); !ok {
		return t.base.RoundTrip(req)
	}

	out := req
	var reqBody []byte
	if req.Body != nil && req.Body != nethttp.NoBody {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		reqBody = b
		out = req.Clone(ctx)
		out.Body = io.NopCloser(bytes.NewReader(b))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
	}

	snap := exchange.NewSnapshot(exchange.OriginTransport, req.Method, req.URL.String()).
		WithRequest(exchange.FromHTTP(req.Header), exchange.Body(reqBody))

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		t.handle(req, snap.WithError(err))
		return nil, err
	}

	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		// the caller still sees the partial body followed by the read error
		resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(respBody), errReader{readErr}))
		t.handle(req, snap.WithError(readErr))
		return resp, nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	t.handle(req, snap.WithResponse(resp.StatusCode, exchange.FromHTTP(resp.Header), exchange.Body(respBody)))
	return resp, nil
}

func (t *Transport) handle(req *nethttp.Request, snap *exchange.Snapshot) {
	if err := t.handler.Handle(req.Context(), snap); err != nil {
		t.handler.Logger().Warn().
			Err(err).
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Msg("Failed to write request log record")
	}
}

// Replay sends d once with c, defaulting to http.DefaultClient, and reports
// the outcome under the net_http origin. The request carries the replay
// marker, so a client wrapped by WrapClient does not record it again.
func Replay(ctx context.Context, c *nethttp.Client, d *replay.Descriptor) (*replay.Result, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil descriptor", replay.ErrInvalidDescriptor)
	}
	if c == nil {
		c = nethttp.DefaultClient
	}
	marker := d.Marker()
	req, err := d.Build(marker)
	if err != nil {
		return nil, err
	}
	ctx = replay.NewContext(ctx, marker)

	httpReq, err := req.HTTPRequest(ctx)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("replay request: %v", err), "url")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	snap := exchange.NewSnapshot(exchange.OriginTransport, req.Method, req.URL).
		WithRequest(exchange.FromHTTP(httpReq.Header), req.Body)
	resp, err := c.Do(httpReq)
	if err != nil {
		snap = snap.WithError(err)
	} else {
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			snap = snap.WithError(readErr)
		} else {
			snap = snap.WithResponse(resp.StatusCode, exchange.FromHTTP(resp.Header), exchange.Body(body))
		}
	}

	result := replay.NewResult(exchange.OriginTransport, start, d, snap, nil, replay.WithRequest(req))
	tracking.RecordReplay(ctx, exchange.OriginTransport.String(), result.Succeeded(), time.Since(start))
	return result, nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
