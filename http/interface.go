package http

import (
	"context"
	nethttp "net/http"
	"time"

	"github.com/gaborage/go-reqlog/capture"
	"github.com/gaborage/go-reqlog/replay"
)

// Client is the REST client. Calls made under a scope are audited on their
// final outcome; Replay re-sends a recorded request.
type Client interface {
	Get(ctx context.Context, req *Request) (*Response, error)
	Post(ctx context.Context, req *Request) (*Response, error)
	Put(ctx context.Context, req *Request) (*Response, error)
	Patch(ctx context.Context, req *Request) (*Response, error)
	Delete(ctx context.Context, req *Request) (*Response, error)
	Do(ctx context.Context, method string, req *Request) (*Response, error)
	Replay(ctx context.Context, d *replay.Descriptor) (*replay.Result, error)
}

// Request is one outbound call.
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
	Auth    *BasicAuth
}

// Response is a received response plus call statistics.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    nethttp.Header
	Stats      Stats
}

// Stats describes one Do call, retries included.
type Stats struct {
	ElapsedTime time.Duration
	CallCount   int64
	Attempts    int
}

// BasicAuth holds basic authentication credentials.
type BasicAuth struct {
	Username string
	Password string
}

// RequestInterceptor runs before each attempt, replays included.
type RequestInterceptor func(ctx context.Context, req *nethttp.Request) error

// ResponseInterceptor runs after each response is received.
type ResponseInterceptor func(ctx context.Context, req *nethttp.Request, resp *nethttp.Response) error

// Config holds the REST client configuration.
type Config struct {
	Timeout              time.Duration
	MaxRetries           int
	RetryDelay           time.Duration
	RequestInterceptors  []RequestInterceptor
	ResponseInterceptors []ResponseInterceptor
	BasicAuth            *BasicAuth
	DefaultHeaders       map[string]string
	Transport            nethttp.RoundTripper
	RequestLog           *capture.Handler
}
