package capture

import (
	"context"
	"errors"
	"time"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/classify"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/logger"
)

// ErrNoSink is returned by Handle when the handler was built without a sink.
var ErrNoSink = errors.New("capture: no sink configured")

// Handler classifies exchanges and persists the loggable ones.
type Handler struct {
	resolver classify.Resolver
	sink     audit.Sink
	log      logger.Logger
	now      func() time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler builds a handler. A nil resolver falls back to a fresh
// classify.Registry and a nil logger to a no-op one.
func NewHandler(resolver classify.Resolver, sink audit.Sink, log logger.Logger, opts ...Option) *Handler {
	if resolver == nil {
		resolver = classify.NewRegistry()
	}
	if log == nil {
		log = logger.NewNop()
	}
	h := &Handler{resolver: resolver, sink: sink, log: log, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Sink returns the sink records are written to.
func (h *Handler) Sink() audit.Sink { return h.sink }

// Logger returns the handler's logger.
func (h *Handler) Logger() logger.Logger { return h.log }

// Now returns the handler's clock reading.
func (h *Handler) Now() time.Time { return h.now() }

// Classify returns a lazily evaluated classifier for ex under ctx's scope.
func (h *Handler) Classify(ctx context.Context, ex exchange.Exchange) *Classifier {
	return newClassifier(ctx, ex, h.resolver, h.log, h.now)
}

// Handle classifies ex and, when loggable, saves its record (plus retry job
// when retryable). Not-loggable exchanges return nil without touching the
// sink.
func (h *Handler) Handle(ctx context.Context, ex exchange.Exchange) error {
	_, err := h.HandleClassified(ctx, h.Classify(ctx, ex))
	return err
}

// HandleClassified persists an already built classifier and returns it.
func (h *Handler) HandleClassified(ctx context.Context, c *Classifier) (*Classifier, error) {
	if !c.Loggable() {
		return c, nil
	}
	if h.sink == nil {
		return c, ErrNoSink
	}

	if c.Retryable() {
		return c, h.sink.SaveRecordAndJob(ctx, c.Record(), c.RetryJob())
	}
	return c, h.sink.SaveRecord(ctx, c.Record())
}
