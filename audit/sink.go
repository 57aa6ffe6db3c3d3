package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gaborage/go-reqlog/backoff"
)

var (
	// ErrNilRecord is returned when a sink or factory receives no record.
	ErrNilRecord = errors.New("audit: nil record")
	// ErrNilJob is returned when a job-taking method receives no job.
	ErrNilJob = errors.New("audit: nil retry job")
)

// Defaults for manually created retry jobs.
const (
	DefaultStrategy        = backoff.Fixed
	DefaultInterval        = 60 * time.Second
	DefaultMaxExecuteCount = 3
)

// Sink persists audit output. Implementations must be safe for concurrent use.
type Sink interface {
	SaveRecord(ctx context.Context, rec *Record) error
	SaveRecordAndJob(ctx context.Context, rec *Record, job *RetryJob) error
	SaveRetryJob(ctx context.Context, job *RetryJob) error
	SaveRetryRecord(ctx context.Context, rec *RetryRecord) error
}

// BaseSink implements the optional Sink methods as no-ops. Embed it in sinks
// that only persist the primary records.
type BaseSink struct{}

func (BaseSink) SaveRetryJob(context.Context, *RetryJob) error       { return nil }
func (BaseSink) SaveRetryRecord(context.Context, *RetryRecord) error { return nil }

// NewRetryJob creates a job for a stored record outside the automatic
// capture path. The job is due immediately: LastExecution is zero,
// ExecuteCount is 1 and NextExecution is now.
//
// Empty strategy, non-positive interval and negative max fall back to the
// package defaults; max 0 means no ceiling.
func NewRetryJob(rec *Record, strategy backoff.Strategy, interval time.Duration, maxExecuteCount int, now time.Time) (*RetryJob, error) {
	if rec == nil {
		return nil, ErrNilRecord
	}
	if strategy == "" {
		strategy = DefaultStrategy
	}
	if !strategy.Valid() {
		return nil, errors.New("audit: unknown strategy " + strategy.String())
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxExecuteCount < 0 {
		maxExecuteCount = DefaultMaxExecuteCount
	}

	return &RetryJob{
		ID:              uuid.NewString(),
		Record:          rec,
		Strategy:        strategy,
		Interval:        interval,
		NextExecution:   now,
		ExecuteCount:    1,
		MaxExecuteCount: maxExecuteCount,
	}, nil
}

// NewDefaultRetryJob is NewRetryJob with fixed strategy, 60s interval and a
// ceiling of three attempts.
func NewDefaultRetryJob(rec *Record, now time.Time) (*RetryJob, error) {
	return NewRetryJob(rec, DefaultStrategy, DefaultInterval, DefaultMaxExecuteCount, now)
}
