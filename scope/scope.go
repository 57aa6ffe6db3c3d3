// Package scope carries the per-call audit settings through a call tree.
//
// A Scope is built with Log or LogWithRetry plus the With* setters, then
// installed on a context with Run, Call or Enter. Anything invoked with that
// context (including goroutines handed the context) sees the scope; outer
// contexts never do. Entering a nested scope replaces the current one for
// the nested extent only.
//
//	err := scope.LogWithRetry().
//		WithWaitStrategy(backoff.Fibonacci).
//		WithRetryInterval(30 * time.Second).
//		Run(ctx, func(ctx context.Context) error {
//			_, err := client.Get(ctx, req)
//			return err
//		})
package scope

import (
	"context"
	"maps"
	"time"

	"github.com/gaborage/go-reqlog/backoff"
	"github.com/gaborage/go-reqlog/classify"
)

type contextKey struct{}

// Scope holds per-call overrides. The zero value is not useful; use Log or
// LogWithRetry.
type Scope struct {
	retry              bool
	strategy           backoff.Strategy
	interval           time.Duration
	maxExecuteCount    int
	errorClassifier    classify.ErrorClassifier
	responseClassifier classify.ResponseClassifier
	attributes         map[string]string
	enteredAt          time.Time
}

// Log returns a scope that audits failures without scheduling retries.
func Log() *Scope {
	return &Scope{
		strategy: backoff.Default,
		interval: backoff.DefaultInterval,
	}
}

// LogWithRetry returns a scope that audits failures and derives a retry job
// for each of them.
func LogWithRetry() *Scope {
	s := Log()
	s.retry = true
	return s
}

// WithRetry toggles retry job creation.
func (s *Scope) WithRetry(retry bool) *Scope {
	s.retry = retry
	return s
}

// WithRetryInterval sets the backoff interval. Non-positive values are ignored.
func (s *Scope) WithRetryInterval(d time.Duration) *Scope {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithWaitStrategy sets the backoff policy. Unknown strategies are ignored.
func (s *Scope) WithWaitStrategy(strategy backoff.Strategy) *Scope {
	if strategy.Valid() {
		s.strategy = strategy
	}
	return s
}

// WithMaxExecuteCount records the advisory attempt ceiling copied onto retry
// jobs. Non-positive values clear it.
func (s *Scope) WithMaxExecuteCount(n int) *Scope {
	if n < 0 {
		n = 0
	}
	s.maxExecuteCount = n
	return s
}

// WithErrorClassifier overrides the registry's error predicate for this call.
func (s *Scope) WithErrorClassifier(fn classify.ErrorClassifier) *Scope {
	s.errorClassifier = fn
	return s
}

// WithResponseClassifier overrides the registry's response predicate for this call.
func (s *Scope) WithResponseClassifier(fn classify.ResponseClassifier) *Scope {
	s.responseClassifier = fn
	return s
}

// IgnoreErrors is shorthand for WithErrorClassifier(classify.IgnoreErrors(targets...)).
func (s *Scope) IgnoreErrors(targets ...error) *Scope {
	return s.WithErrorClassifier(classify.IgnoreErrors(targets...))
}

// WithAttribute attaches a free-form attribute copied onto audit records.
func (s *Scope) WithAttribute(key, value string) *Scope {
	if key == "" {
		return s
	}
	if s.attributes == nil {
		s.attributes = make(map[string]string)
	}
	s.attributes[key] = value
	return s
}

func (s *Scope) Retry() bool                                     { return s.retry }
func (s *Scope) Strategy() backoff.Strategy                      { return s.strategy }
func (s *Scope) Interval() time.Duration                         { return s.interval }
func (s *Scope) ErrorClassifier() classify.ErrorClassifier       { return s.errorClassifier }
func (s *Scope) ResponseClassifier() classify.ResponseClassifier { return s.responseClassifier }

// EnteredAt is the time the scope was installed; zero for a scope that was
// never entered. Retry jobs anchor their first backoff on it.
func (s *Scope) EnteredAt() time.Time { return s.enteredAt }

// MaxExecuteCount returns the attempt ceiling and whether one was set.
func (s *Scope) MaxExecuteCount() (int, bool) {
	return s.maxExecuteCount, s.maxExecuteCount > 0
}

// Attributes returns a copy of the scope attributes.
func (s *Scope) Attributes() map[string]string {
	if len(s.attributes) == 0 {
		return nil
	}
	return maps.Clone(s.attributes)
}

// Enter returns a child context carrying a snapshot of s stamped with the
// current time. Later changes to s do not affect the installed copy.
func (s *Scope) Enter(ctx context.Context) context.Context {
	installed := *s
	installed.attributes = maps.Clone(s.attributes)
	installed.enteredAt = time.Now()
	return context.WithValue(ctx, contextKey{}, &installed)
}

// Run calls fn with s installed and returns fn's error untouched.
func (s *Scope) Run(ctx context.Context, fn func(context.Context) error) error {
	return fn(s.Enter(ctx))
}

// Call is Run for functions that also return a value.
func Call[T any](ctx context.Context, s *Scope, fn func(context.Context) (T, error)) (T, error) {
	return fn(s.Enter(ctx))
}

// FromContext returns the scope installed on ctx, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(contextKey{}).(*Scope)
	return s, ok && s != nil
}

// Detach returns a child context with no scope, for work that must not be
// audited even though its caller is.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, (*Scope)(nil))
}
