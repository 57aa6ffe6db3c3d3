package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/logger"
)

// Result evaluates one replay attempt. Success, the job update and the retry
// record are each computed once per Result; a Result belongs to one caller.
type Result struct {
	origin    exchange.Origin
	startedAt time.Time
	d         *Descriptor
	req       *Request
	ex        exchange.Exchange
	err       error
	log       logger.Logger
	now       func() time.Time

	succeeded   *bool
	jobUpdated  bool
	retryRecord *audit.RetryRecord
}

// ResultOption customizes a Result.
type ResultOption func(*Result)

// WithLogger sets the logger used for non-fatal conditions.
func WithLogger(l logger.Logger) ResultOption {
	return func(r *Result) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ResultOption {
	return func(r *Result) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRequest records the request that was sent, used when ex is nil.
func WithRequest(req *Request) ResultOption {
	return func(r *Result) { r.req = req }
}

// NewResult wraps the outcome of a replay started at startedAt. ex may be nil
// when no response was received; err is the transport error, if any.
func NewResult(origin exchange.Origin, startedAt time.Time, d *Descriptor, ex exchange.Exchange, err error, opts ...ResultOption) *Result {
	r := &Result{
		origin:    origin,
		startedAt: startedAt,
		d:         d,
		ex:        ex,
		err:       err,
		log:       logger.NewNop(),
		now:       time.Now,
	}
	if r.err == nil && ex != nil {
		r.err = ex.Err()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Result) Origin() exchange.Origin     { return r.origin }
func (r *Result) StartedAt() time.Time        { return r.startedAt }
func (r *Result) Descriptor() *Descriptor     { return r.d }
func (r *Result) Exchange() exchange.Exchange { return r.ex }
func (r *Result) Err() error                  { return r.err }

// Succeeded reports whether the replay worked. An error fails the attempt
// unless the descriptor tolerates it. Without an error the descriptor's
// success predicate decides, defaulting to a 2xx status.
func (r *Result) Succeeded() bool {
	if r.succeeded != nil {
		return *r.succeeded
	}
	ok := r.evaluate()
	r.succeeded = &ok
	return ok
}

func (r *Result) evaluate() bool {
	if r.err != nil {
		return r.d.tolerate != nil && r.d.tolerate(r.err)
	}
	if r.ex == nil {
		return false
	}
	if r.d.success != nil {
		return r.d.success(r.ex)
	}
	return exchange.IsSuccessStatus(r.ex.ResponseStatus())
}

// UpdateRetryJob advances the descriptor's job in place: the attempt started
// at StartedAt becomes the last execution, the count increments and the next
// execution is scheduled from now. Repeated calls return the job without
// changing it again. Without a job it logs a warning and returns nil.
func (r *Result) UpdateRetryJob() *audit.RetryJob {
	job := r.d.Job()
	if job == nil {
		r.log.Warn().
			Str("record_id", recordID(r.d)).
			Msg("Replay has no retry job to update; create one with audit.NewRetryJob for scheduled retries")
		return nil
	}
	if r.jobUpdated {
		return job
	}

	job.LastExecution = r.startedAt
	job.ExecuteCount++
	job.NextExecution = job.Strategy.Next(r.now(), job.ExecuteCount, job.Interval)
	r.jobUpdated = true
	return job
}

// RetryRecord builds the audit record of this attempt. It captures the job as
// it is at the time of the first call.
func (r *Result) RetryRecord() *audit.RetryRecord {
	if r.retryRecord != nil {
		return r.retryRecord
	}

	rec := &audit.RetryRecord{
		ID:           uuid.NewString(),
		Record:       r.d.Record(),
		Origin:       r.origin,
		Succeeded:    r.Succeeded(),
		ExecuteCount: 1,
		ExecutedAt:   r.startedAt,
		Err:          r.err,
	}
	if job := r.d.Job(); job != nil {
		cp := *job
		rec.Job = &cp
		rec.ExecuteCount = job.ExecuteCount
	}
	if r.err != nil {
		rec.ErrorMessage = r.err.Error()
	}

	switch {
	case r.ex != nil:
		rec.Method = r.ex.Method()
		rec.URL = r.ex.URL()
		rec.RequestHeaders = r.ex.RequestHeaders().Clone()
		rec.RequestBody = r.ex.RequestBody()
		rec.ResponseStatus = r.ex.ResponseStatus()
		rec.ResponseHeaders = r.ex.ResponseHeaders().Clone()
		rec.ResponseBody = r.ex.ResponseBody()
	case r.req != nil:
		rec.Method = r.req.Method
		rec.URL = r.req.URL
		rec.RequestHeaders = r.req.Header.Clone()
		rec.RequestBody = r.req.Body
	}

	r.retryRecord = rec
	return rec
}

// Persist updates the job, then saves it and the retry record. It attempts
// every write and joins their errors.
func Persist(ctx context.Context, sink audit.Sink, r *Result) error {
	if sink == nil {
		return errors.New("replay: nil sink")
	}
	var errs []error
	if job := r.UpdateRetryJob(); job != nil {
		if err := sink.SaveRetryJob(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("save retry job %s: %w", job.ID, err))
		}
	}
	if err := sink.SaveRetryRecord(ctx, r.RetryRecord()); err != nil {
		errs = append(errs, fmt.Errorf("save retry record: %w", err))
	}
	return errors.Join(errs...)
}

func recordID(d *Descriptor) string {
	if d.Record() == nil {
		return ""
	}
	return d.Record().ID
}
