package http

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gaborage/go-reqlog/exchange"
)

// ClientError is implemented by every error the REST client returns itself.
// Errors from the sink never surface here.
type ClientError interface {
	error
	Type() ErrorType
}

// ErrorType is the category of a ClientError.
type ErrorType string

const (
	NetworkError     ErrorType = "network"
	TimeoutError     ErrorType = "timeout"
	HTTPError        ErrorType = "http"
	ValidationError  ErrorType = "validation"
	InterceptorError ErrorType = "interceptor"
)

// clientError carries every category; only the fields relevant to kind are set.
type clientError struct {
	kind    ErrorType
	message string
	detail  string
	status  int
	body    []byte
	cause   error
}

func (e *clientError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.kind))
	b.WriteString(" error: ")
	b.WriteString(e.message)
	if e.detail != "" {
		b.WriteString(" (")
		b.WriteString(e.detail)
		b.WriteString(")")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *clientError) Type() ErrorType { return e.kind }
func (e *clientError) Unwrap() error   { return e.cause }

// StatusCode is the response status of an HTTP error, zero otherwise.
func (e *clientError) StatusCode() int { return e.status }

// Body is the response body of an HTTP error.
func (e *clientError) Body() []byte { return e.body }

// NewNetworkError wraps a transport failure.
func NewNetworkError(message string, cause error) ClientError {
	return &clientError{kind: NetworkError, message: message, cause: cause}
}

// NewTimeoutError reports a request that exceeded timeout.
func NewTimeoutError(message string, timeout time.Duration, cause error) ClientError {
	return &clientError{kind: TimeoutError, message: message, detail: "timeout: " + timeout.String(), cause: cause}
}

// NewHTTPError reports a non-2xx response.
func NewHTTPError(message string, statusCode int, body []byte) ClientError {
	return &clientError{kind: HTTPError, message: message, detail: fmt.Sprintf("status: %d", statusCode), status: statusCode, body: body}
}

// NewValidationError reports an unusable request.
func NewValidationError(message, field string) ClientError {
	e := &clientError{kind: ValidationError, message: message}
	if field != "" {
		e.detail = "field: " + field
	}
	return e
}

// NewInterceptorError wraps an interceptor failure at stage "request" or "response".
func NewInterceptorError(message, stage string, cause error) ClientError {
	return &clientError{kind: InterceptorError, message: message, detail: "stage: " + stage, cause: cause}
}

// IsErrorType reports whether err is, or wraps, a ClientError of errorType.
func IsErrorType(err error, errorType ErrorType) bool {
	var ce ClientError
	return errors.As(err, &ce) && ce.Type() == errorType
}

// StatusOf returns the response status carried by an HTTP error.
func StatusOf(err error) (int, bool) {
	var ce *clientError
	if errors.As(err, &ce) && ce.kind == HTTPError {
		return ce.status, true
	}
	return 0, false
}

// IsHTTPStatusError reports whether err is an HTTP error with statusCode.
func IsHTTPStatusError(err error, statusCode int) bool {
	status, ok := StatusOf(err)
	return ok && status == statusCode
}

// IsSuccessStatus reports whether statusCode is 2xx.
func IsSuccessStatus(statusCode int) bool {
	return exchange.IsSuccessStatus(&statusCode)
}
