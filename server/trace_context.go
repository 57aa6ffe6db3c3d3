package server

import (
	"github.com/labstack/echo/v4"

	"github.com/gaborage/go-reqlog/trace"
)

// TraceContext puts the inbound trace ID on the request context so records
// and outbound calls made while serving it share the caller's trace. The
// ID comes from X-Request-ID, then traceparent, then echo's request ID.
func TraceContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			traceID, ok := trace.FromHeaders(req.Header)
			if !ok {
				traceID = c.Response().Header().Get(echo.HeaderXRequestID)
			}
			if traceID != "" {
				c.SetRequest(req.WithContext(trace.WithTraceID(req.Context(), traceID)))
			}
			return next(c)
		}
	}
}
