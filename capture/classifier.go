// Package capture decides whether an observed exchange is an auditable
// failure and hands the resulting records to a Sink.
//
// Nothing is captured outside a scope: adapters call Handler.Handle for every
// exchange, and exchanges whose context carries no scope are skipped.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/classify"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/internal/tracking"
	"github.com/gaborage/go-reqlog/logger"
	"github.com/gaborage/go-reqlog/scope"
	"github.com/gaborage/go-reqlog/trace"
)

// Classifier judges a single exchange. Results are computed on first use and
// cached, so the exchange must not change afterwards. A Classifier belongs to
// one caller and is not safe for concurrent use.
type Classifier struct {
	ctx      context.Context
	ex       exchange.Exchange
	scope    *scope.Scope
	resolver classify.Resolver
	log      logger.Logger
	now      func() time.Time

	classified bool
	loggable   bool
	kind       audit.ErrorKind

	record *audit.Record
	job    *audit.RetryJob
}

func newClassifier(ctx context.Context, ex exchange.Exchange, resolver classify.Resolver, log logger.Logger, now func() time.Time) *Classifier {
	s, _ := scope.FromContext(ctx)
	return &Classifier{ctx: ctx, ex: ex, scope: s, resolver: resolver, log: log, now: now}
}

// Scope returns the scope the exchange was observed under, or nil.
func (c *Classifier) Scope() *scope.Scope { return c.scope }

// Loggable reports whether the exchange is a failure worth auditing.
func (c *Classifier) Loggable() bool {
	c.classify()
	return c.loggable
}

// Retryable reports whether a retry job should accompany the record.
func (c *Classifier) Retryable() bool {
	return c.Loggable() && c.scope.Retry()
}

// Kind is KindException when the exchange carries an error, KindResponse
// otherwise. It is empty for exchanges observed outside a scope.
func (c *Classifier) Kind() audit.ErrorKind {
	c.classify()
	return c.kind
}

func (c *Classifier) classify() {
	if c.classified {
		return
	}
	c.classified = true

	if c.scope == nil || c.ex == nil {
		return
	}

	if err := c.ex.Err(); err != nil {
		c.kind = audit.KindException
		fn := c.scope.ErrorClassifier()
		if fn == nil {
			fn = c.resolver.ErrorClassifier(c.ex.Origin())
		}
		c.loggable = c.guard(func() bool { return fn(err) })
	} else {
		c.kind = audit.KindResponse
		fn := c.scope.ResponseClassifier()
		if fn == nil {
			fn = c.resolver.ResponseClassifier(c.ex.Origin())
		}
		c.loggable = c.guard(func() bool { return fn(c.ex) })
	}

	tracking.RecordCapture(c.ctx, c.ex.Origin().String(), string(c.kind), c.loggable, c.loggable && c.scope.Retry())
}

// guard runs a predicate, treating a panic as "not a failure".
func (c *Classifier) guard(predicate func() bool) (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			failed = false
			tracking.RecordPredicatePanic(c.ctx, c.ex.Origin().String())
			c.log.Error().
				Str("origin", c.ex.Origin().String()).
				Str("kind", string(c.kind)).
				Str("url", c.ex.URL()).
				Err(fmt.Errorf("classifier panic: %v", r)).
				Msg("Classifier predicate panicked; exchange treated as not loggable")
		}
	}()
	return predicate()
}

// Record returns the audit record, or nil when the exchange is not loggable.
func (c *Classifier) Record() *audit.Record {
	if !c.Loggable() {
		return nil
	}
	if c.record == nil {
		c.record = audit.NewRecord(c.ex, c.kind, c.now()).WithAttributes(c.scope.Attributes())
		c.record.TraceID = trace.EnsureTraceID(c.ctx)
	}
	return c.record
}

// RetryJob returns the retry job, or nil unless the exchange is retryable.
// The first attempt is anchored on the scope entry time and the next one is
// scheduled from now.
func (c *Classifier) RetryJob() *audit.RetryJob {
	if !c.Retryable() {
		return nil
	}
	if c.job == nil {
		maxCount, _ := c.scope.MaxExecuteCount()
		strategy := c.scope.Strategy()
		interval := c.scope.Interval()
		c.job = &audit.RetryJob{
			ID:              uuid.NewString(),
			Record:          c.Record(),
			Strategy:        strategy,
			Interval:        interval,
			LastExecution:   c.scope.EnteredAt(),
			NextExecution:   strategy.Next(c.now(), 1, interval),
			ExecuteCount:    1,
			MaxExecuteCount: maxCount,
		}
	}
	return c.job
}
