package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gaborage/go-reqlog/backoff"
	"github.com/gaborage/go-reqlog/capture"
	"github.com/gaborage/go-reqlog/classify"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/replay"
	"github.com/gaborage/go-reqlog/scope"
)

// RequestLogConfig configures the inbound request log middleware.
type RequestLogConfig struct {
	// Skipper defines a function to skip the middleware
	Skipper middleware.Skipper

	// Handler receives the failed exchanges. Required.
	Handler *capture.Handler

	// WhenErrors lists the handler errors worth recording, matched with
	// errors.Is. Empty means every error.
	WhenErrors []error

	// ErrorClassifier replaces WhenErrors when set.
	ErrorClassifier classify.ErrorClassifier

	// Retry schedules a retry job for every recorded request.
	Retry           bool
	Strategy        backoff.Strategy
	Interval        time.Duration
	MaxExecuteCount int

	// Attributes are copied onto every record.
	Attributes map[string]string
}

// RequestLog returns a middleware that records requests whose handler
// returned a loggable error. Requests carrying the replay marker header are
// served but never recorded. The handler's error is returned unchanged.
func RequestLog(cfg RequestLogConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = middleware.DefaultSkipper
	}
	classifier := cfg.ErrorClassifier
	if classifier == nil {
		classifier = classify.DefaultErrorClassifier
		if len(cfg.WhenErrors) > 0 {
			classifier = classify.MatchErrors(cfg.WhenErrors...)
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if cfg.Handler == nil || cfg.Skipper(c) || req.Header.Get(replay.MarkerHeader) != "" {
				return next(c)
			}

			var body []byte
			if req.Body != nil && req.Body != http.NoBody {
				b, err := io.ReadAll(req.Body)
				_ = req.Body.Close()
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body").SetInternal(err)
				}
				body = b
				req.Body = io.NopCloser(bytes.NewReader(b))
			}

			entered := time.Now()
			auditCtx := cfg.newScope(classifier).Enter(req.Context())
			err := next(c)
			if err == nil {
				return nil
			}

			snap := exchange.NewSnapshot(exchange.OriginEcho, req.Method, requestURL(c)).
				WithPath(req.URL.Path).
				WithRequest(exchange.FromHTTP(req.Header), exchange.Body(body)).
				WithError(err)
			if resp := c.Response(); resp.Committed {
				snap.WithResponse(resp.Status, exchange.FromHTTP(resp.Header()), nil)
			}

			cfg.record(auditCtx, entered, snap)
			return err
		}
	}
}

// newScope is entered before the handler runs so retry jobs anchor on the
// request's arrival. The handler itself does not see it.
func (cfg RequestLogConfig) newScope(classifier classify.ErrorClassifier) *scope.Scope {
	s := scope.Log().
		WithRetry(cfg.Retry).
		WithWaitStrategy(cfg.Strategy).
		WithRetryInterval(cfg.Interval).
		WithMaxExecuteCount(cfg.MaxExecuteCount).
		WithErrorClassifier(classifier).
		WithResponseClassifier(classify.NeverFail)
	for k, v := range cfg.Attributes {
		s.WithAttribute(k, v)
	}
	return s
}

func (cfg RequestLogConfig) record(ctx context.Context, entered time.Time, snap *exchange.Snapshot) {
	if err := cfg.Handler.Handle(ctx, snap); err != nil {
		cfg.Handler.Logger().Warn().
			Err(err).
			Str("method", snap.Method()).
			Str("url", snap.URL()).
			Dur("elapsed", time.Since(entered)).
			Msg("Failed to write request log record")
	}
}

// requestURL rebuilds the absolute URL the client used.
func requestURL(c echo.Context) string {
	req := c.Request()
	return c.Scheme() + "://" + req.Host + req.URL.RequestURI()
}
