// Package app assembles the request log from configuration: the sink stack,
// the capture handler, an audited REST client and the echo middleware.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/backoff"
	"github.com/gaborage/go-reqlog/capture"
	"github.com/gaborage/go-reqlog/classify"
	"github.com/gaborage/go-reqlog/config"
	reqhttp "github.com/gaborage/go-reqlog/http"
	"github.com/gaborage/go-reqlog/logger"
	"github.com/gaborage/go-reqlog/replay"
	"github.com/gaborage/go-reqlog/scope"
	"github.com/gaborage/go-reqlog/server"
)

// App owns everything built from a Config. Close releases the sink backends.
type App struct {
	cfg      *config.Config
	log      logger.Logger
	sink     audit.Sink
	registry *classify.Registry
	handler  *capture.Handler
	client   reqhttp.Client

	closers   []closer
	closeOnce sync.Once
	closeErr  error
}

// Option customizes New.
type Option func(*App)

// WithLogger replaces the logger built from the log settings.
func WithLogger(log logger.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithRegistry supplies per-origin classifiers.
func WithRegistry(r *classify.Registry) Option {
	return func(a *App) { a.registry = r }
}

// New validates cfg and opens the configured sinks.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = cfg.Logger()
	}
	if a.registry == nil {
		a.registry = classify.NewRegistry()
	}

	sink, closers, err := buildSink(ctx, cfg, a.log)
	if err != nil {
		return nil, err
	}
	a.sink = sink
	a.closers = closers
	a.handler = capture.NewHandler(a.registry, sink, a.log)

	a.client = reqhttp.NewBuilder(a.log).
		WithTimeout(cfg.Client.Timeout).
		WithRetries(cfg.Client.MaxRetries, cfg.Client.RetryDelay).
		WithRequestLog(a.handler).
		Build()

	a.log.Info().
		Str("sinks", strings.Join(cfg.Sink.Types(), ",")).
		Bool("retry", cfg.Retry.Enabled).
		Bool("resilience", cfg.Resilience.Enabled).
		Msg("Request log ready")
	return a, nil
}

func (a *App) Config() *config.Config       { return a.cfg }
func (a *App) Logger() logger.Logger        { return a.log }
func (a *App) Sink() audit.Sink             { return a.sink }
func (a *App) Handler() *capture.Handler    { return a.handler }
func (a *App) Registry() *classify.Registry { return a.registry }
func (a *App) Client() reqhttp.Client       { return a.client }

// Scope returns a fresh scope carrying the configured retry defaults.
func (a *App) Scope() *scope.Scope { return a.cfg.Scope() }

// Middleware records failed inbound requests, scheduling retries when retry
// is enabled. whenErrors narrows the recorded handler errors.
func (a *App) Middleware(whenErrors ...error) echo.MiddlewareFunc {
	return server.RequestLog(a.requestLogConfig(whenErrors))
}

// SetupServer registers the request ID, tracing and request log middlewares.
// Server spans are named after server.servicename when set.
func (a *App) SetupServer(e *echo.Echo, whenErrors ...error) {
	server.SetupMiddlewares(e, a.log, a.cfg.String("server.servicename"), a.requestLogConfig(whenErrors))
}

func (a *App) requestLogConfig(whenErrors []error) server.RequestLogConfig {
	strategy, err := backoff.Parse(a.cfg.Retry.Strategy)
	if err != nil {
		strategy = backoff.Default
	}
	return server.RequestLogConfig{
		Handler:         a.handler,
		WhenErrors:      whenErrors,
		Retry:           a.cfg.Retry.Enabled,
		Strategy:        strategy,
		Interval:        a.cfg.Retry.Interval,
		MaxExecuteCount: a.cfg.Retry.MaxExecuteCount,
	}
}

// Replay sends d with the audited client and persists the outcome: the
// retry record always, the updated retry job when d has one.
func (a *App) Replay(ctx context.Context, d *replay.Descriptor) (*replay.Result, error) {
	res, err := a.client.Replay(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := replay.Persist(ctx, a.sink, res); err != nil {
		return res, fmt.Errorf("persist replay outcome: %w", err)
	}
	return res, nil
}

// Close releases the sink backends. Later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = closeAll(ctx, a.closers)
		if a.closeErr != nil {
			a.log.Warn().Err(a.closeErr).Msg("Failed to close request log sinks")
		}
	})
	return a.closeErr
}

// IsConnectionError reports whether err came from opening a sink backend.
func IsConnectionError(err error) bool {
	var cfgErr *config.ConfigError
	return errors.As(err, &cfgErr) && cfgErr.Category == config.CategoryConnection
}
