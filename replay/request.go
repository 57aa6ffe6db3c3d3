package replay

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gaborage/go-reqlog/exchange"
)

// Request is the transport-neutral request a descriptor builds.
type Request struct {
	Method string
	URL    string
	Header exchange.Header
	Body   *string
}

// HTTPRequest converts r into an *http.Request bound to ctx. Header keys are
// copied without canonicalization.
func (r *Request) HTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil {
		body = strings.NewReader(*r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.HTTP()
	return req, nil
}

// Snapshot describes r as the request half of an exchange.
func (r *Request) Snapshot(origin exchange.Origin) *exchange.Snapshot {
	return exchange.NewSnapshot(origin, r.Method, r.URL).WithRequest(r.Header.Clone(), r.Body)
}

type markerKey struct{}

// NewContext marks ctx as carrying a replay identified by marker. Outbound
// adapters do not audit exchanges made under a marked context.
func NewContext(ctx context.Context, marker string) context.Context {
	return context.WithValue(ctx, markerKey{}, marker)
}

// FromContext returns the replay marker on ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	m, ok := ctx.Value(markerKey{}).(string)
	return m, ok
}

// InProgress reports whether ctx carries a replay marker.
func InProgress(ctx context.Context) bool {
	_, ok := FromContext(ctx)
	return ok
}
