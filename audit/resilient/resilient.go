// Package resilient wraps an audit.Sink with bounded retries and a circuit
// breaker, so a struggling backend neither loses transient writes nor slows
// every captured exchange once it is clearly down.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/logger"
)

// ErrCircuitOpen is returned while the breaker rejects writes.
var ErrCircuitOpen = errors.New("resilient: circuit open")

// Backoff strategies for write retries.
const (
	StrategyConstant    = "constant"
	StrategyExponential = "exponential"
	StrategyFibonacci   = "fibonacci"
)

// Config tunes the retry loop and the breaker.
type Config struct {
	Name string
	// MaxAttempts counts the first write. Values below 1 mean 1.
	MaxAttempts  int
	Strategy     string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// FailureThreshold consecutive failures open the breaker. Zero disables it.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before trying again.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of trial writes allowed while half-open.
	HalfOpenRequests uint32
}

// DefaultConfig returns three attempts with exponential backoff from 100ms,
// and a breaker that opens after five consecutive failures for 30s.
func DefaultConfig() Config {
	return Config{
		Name:             "reqlog-sink",
		MaxAttempts:      3,
		Strategy:         StrategyExponential,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Sink decorates another audit.Sink.
type Sink struct {
	next audit.Sink
	cfg  Config
	cb   *gobreaker.CircuitBreaker[struct{}]
	log  logger.Logger
}

var _ audit.Sink = (*Sink)(nil)

func New(next audit.Sink, cfg Config, log logger.Logger) *Sink {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}

	s := &Sink{next: next, cfg: cfg, log: log}
	if cfg.FailureThreshold > 0 {
		threshold := cfg.FailureThreshold
		s.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.HalfOpenRequests,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Audit sink circuit breaker state changed")
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !retryable(err)
			},
		})
	}
	return s
}

// State reports the breaker state, "disabled" when there is no breaker.
func (s *Sink) State() string {
	if s.cb == nil {
		return "disabled"
	}
	return s.cb.State().String()
}

func (s *Sink) SaveRecord(ctx context.Context, rec *audit.Record) error {
	return s.do(ctx, "save_record", func(ctx context.Context) error {
		return s.next.SaveRecord(ctx, rec)
	})
}

func (s *Sink) SaveRecordAndJob(ctx context.Context, rec *audit.Record, job *audit.RetryJob) error {
	return s.do(ctx, "save_record_and_job", func(ctx context.Context) error {
		return s.next.SaveRecordAndJob(ctx, rec, job)
	})
}

func (s *Sink) SaveRetryJob(ctx context.Context, job *audit.RetryJob) error {
	return s.do(ctx, "save_retry_job", func(ctx context.Context) error {
		return s.next.SaveRetryJob(ctx, job)
	})
}

func (s *Sink) SaveRetryRecord(ctx context.Context, rec *audit.RetryRecord) error {
	return s.do(ctx, "save_retry_record", func(ctx context.Context) error {
		return s.next.SaveRetryRecord(ctx, rec)
	})
}

func (s *Sink) do(ctx context.Context, op string, write func(context.Context) error) error {
	attempts := 0
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempts++
		err := s.guarded(ctx, write)
		if err == nil || !retryable(err) {
			return err
		}
		s.log.Debug().Err(err).Str("operation", op).Int("attempt", attempts).Msg("Audit write failed, retrying")
		return retry.RetryableError(err)
	})
	if err != nil && attempts > 1 {
		return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
	}
	return err
}

func (s *Sink) guarded(ctx context.Context, write func(context.Context) error) error {
	if s.cb == nil {
		return write(ctx)
	}
	_, err := s.cb.Execute(func() (struct{}, error) {
		return struct{}{}, write(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return err
}

func (s *Sink) backoff() retry.Backoff {
	var b retry.Backoff
	switch s.cfg.Strategy {
	case StrategyConstant:
		b = retry.NewConstant(s.cfg.InitialDelay)
	case StrategyFibonacci:
		b = retry.NewFibonacci(s.cfg.InitialDelay)
	default:
		b = retry.NewExponential(s.cfg.InitialDelay)
	}
	b = retry.WithJitter(s.cfg.InitialDelay/10, b)
	b = retry.WithCappedDuration(s.cfg.MaxDelay, b)
	return retry.WithMaxRetries(uint64(s.cfg.MaxAttempts-1), b) // #nosec G115 - MaxAttempts >= 1
}

// retryable excludes programming errors, cancellation and an open breaker.
func retryable(err error) bool {
	switch {
	case errors.Is(err, audit.ErrNilRecord), errors.Is(err, audit.ErrNilJob):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCircuitOpen):
		return false
	default:
		return true
	}
}
