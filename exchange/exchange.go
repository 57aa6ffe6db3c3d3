// Package exchange defines the read-only view of one HTTP request/response
// (or request/error) pair that adapters hand to the capture and replay
// engines.
//
// Adapters make bodies re-readable before exposing them; every accessor may
// be called more than once and must return the same value each time.
package exchange

import (
	"net/url"
)

// Origin tags the adapter that produced an exchange. Classifier overrides
// are keyed by origin.
type Origin string

const (
	// OriginTransport marks exchanges observed by the instrumented http.RoundTripper.
	OriginTransport Origin = "net_http"
	// OriginClient marks exchanges observed by the REST client builder.
	OriginClient Origin = "rest_client"
	// OriginEcho marks inbound exchanges observed by the echo middleware.
	OriginEcho Origin = "echo"
)

func (o Origin) String() string { return string(o) }

// Exchange is the accessor contract consumed by the classifier and the
// replay evaluator.
type Exchange interface {
	Origin() Origin
	Method() string
	URL() string
	Path() string
	RequestHeaders() Header
	RequestBody() *string
	// ResponseStatus is nil when the exchange never produced a response.
	ResponseStatus() *int
	// ResponseHeaders is nil when no response was produced.
	ResponseHeaders() Header
	// ResponseBody is nil when there was no response or its body was not captured.
	ResponseBody() *string
	// Err is the transport or handler error, if any.
	Err() error
}

// Snapshot is the plain-value Exchange implementation shared by all
// adapters. Build it with NewSnapshot and the With* setters, then treat it
// as immutable.
type Snapshot struct {
	origin          Origin
	method          string
	rawURL          string
	path            string
	requestHeaders  Header
	requestBody     *string
	responseStatus  *int
	responseHeaders Header
	responseBody    *string
	err             error
}

var _ Exchange = (*Snapshot)(nil)

// NewSnapshot starts a snapshot for the given request line.
func NewSnapshot(origin Origin, method, rawURL string) *Snapshot {
	return &Snapshot{
		origin:         origin,
		method:         method,
		rawURL:         rawURL,
		path:           pathOf(rawURL),
		requestHeaders: Header{},
	}
}

// WithPath overrides the path derived from the URL, for adapters that know the
// routed path separately.
func (s *Snapshot) WithPath(path string) *Snapshot {
	s.path = path
	return s
}

// WithRequest records request headers and body.
func (s *Snapshot) WithRequest(headers Header, body *string) *Snapshot {
	if headers == nil {
		headers = Header{}
	}
	s.requestHeaders = headers
	s.requestBody = body
	return s
}

// WithResponse records the response status, headers and body.
func (s *Snapshot) WithResponse(status int, headers Header, body *string) *Snapshot {
	s.responseStatus = &status
	if headers == nil {
		headers = Header{}
	}
	s.responseHeaders = headers
	s.responseBody = body
	return s
}

// WithError records the error that ended the exchange.
func (s *Snapshot) WithError(err error) *Snapshot {
	s.err = err
	return s
}

func (s *Snapshot) Origin() Origin          { return s.origin }
func (s *Snapshot) Method() string          { return s.method }
func (s *Snapshot) URL() string             { return s.rawURL }
func (s *Snapshot) Path() string            { return s.path }
func (s *Snapshot) RequestHeaders() Header  { return s.requestHeaders }
func (s *Snapshot) RequestBody() *string    { return s.requestBody }
func (s *Snapshot) ResponseStatus() *int    { return s.responseStatus }
func (s *Snapshot) ResponseHeaders() Header { return s.responseHeaders }
func (s *Snapshot) ResponseBody() *string   { return s.responseBody }
func (s *Snapshot) Err() error              { return s.err }

// IsSuccessStatus reports whether status is present and in [200,300).
func IsSuccessStatus(status *int) bool {
	return status != nil && *status >= 200 && *status < 300
}

// String returns a pointer to s. Handy when building snapshots.
func String(s string) *string { return &s }

// Body converts captured bytes into an optional body; nil bytes mean absent.
func Body(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}
