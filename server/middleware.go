// Package server is the inbound side of reqlog: echo middleware that records
// requests whose handler failed.
package server

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/gaborage/go-reqlog/logger"
)

// DefaultServiceName names the server spans when no service name is given.
const DefaultServiceName = "reqlog"

// SetupMiddlewares registers request ID, tracing, trace context, the request
// log and panic recovery on e, in that order. Recovery sits inside the
// request log so a panicking handler is recorded like one that returned an
// error.
func SetupMiddlewares(e *echo.Echo, log logger.Logger, serviceName string, cfg RequestLogConfig) {
	if log == nil {
		log = logger.NewNop()
	}
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(serviceName, otelecho.WithSkipper(func(c echo.Context) bool {
		return cfg.Skipper != nil && cfg.Skipper(c)
	})))
	e.Use(TraceContext())
	e.Use(RequestLog(cfg))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		DisableErrorHandler: true,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error().
				Err(err).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("stack", string(stack)).
				Msg("Panic recovered")
			return err
		},
	}))
}
