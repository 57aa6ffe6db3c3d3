// Package audit defines the records produced by capture and replay, and the
// Sink contract that persists them.
package audit

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/gaborage/go-reqlog/backoff"
	"github.com/gaborage/go-reqlog/exchange"
)

// ErrorKind distinguishes exchanges that never produced a response from
// responses classified as failures.
type ErrorKind string

const (
	KindException ErrorKind = "EXCEPTION"
	KindResponse  ErrorKind = "RESPONSE"
)

// Record is the immutable audit entry for one failed exchange.
type Record struct {
	ID              string            `json:"id" bson:"_id"`
	Origin          exchange.Origin   `json:"origin" bson:"origin"`
	Kind            ErrorKind         `json:"kind" bson:"kind"`
	Method          string            `json:"method" bson:"method"`
	URL             string            `json:"url" bson:"url"`
	Path            string            `json:"path" bson:"path"`
	RequestHeaders  exchange.Header   `json:"request_headers,omitempty" bson:"request_headers,omitempty"`
	RequestBody     *string           `json:"request_body,omitempty" bson:"request_body,omitempty"`
	ResponseStatus  *int              `json:"response_status,omitempty" bson:"response_status,omitempty"`
	ResponseHeaders exchange.Header   `json:"response_headers,omitempty" bson:"response_headers,omitempty"`
	ResponseBody    *string           `json:"response_body,omitempty" bson:"response_body,omitempty"`
	Err             error             `json:"-" bson:"-"`
	ErrorMessage    string            `json:"error,omitempty" bson:"error,omitempty"`
	TraceID         string            `json:"trace_id,omitempty" bson:"trace_id,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty" bson:"attributes,omitempty"`
	CreatedAt       time.Time         `json:"created_at" bson:"created_at"`
}

// NewRecord copies an exchange into a fresh record.
func NewRecord(ex exchange.Exchange, kind ErrorKind, now time.Time) *Record {
	rec := &Record{
		ID:              uuid.NewString(),
		Origin:          ex.Origin(),
		Kind:            kind,
		Method:          ex.Method(),
		URL:             ex.URL(),
		Path:            ex.Path(),
		RequestHeaders:  ex.RequestHeaders().Clone(),
		RequestBody:     cloneString(ex.RequestBody()),
		ResponseStatus:  cloneInt(ex.ResponseStatus()),
		ResponseHeaders: ex.ResponseHeaders().Clone(),
		ResponseBody:    cloneString(ex.ResponseBody()),
		Err:             ex.Err(),
		CreatedAt:       now,
	}
	if rec.Err != nil {
		rec.ErrorMessage = rec.Err.Error()
	}
	return rec
}

// WithAttributes attaches a copy of attrs.
func (r *Record) WithAttributes(attrs map[string]string) *Record {
	if len(attrs) > 0 {
		r.Attributes = maps.Clone(attrs)
	}
	return r
}

// RetryJob is the mutable schedule for re-issuing a recorded exchange.
// ExecuteCount counts the original call, so a fresh job starts at 1.
type RetryJob struct {
	ID              string           `json:"id" bson:"_id"`
	Record          *Record          `json:"record" bson:"record"`
	Strategy        backoff.Strategy `json:"strategy" bson:"strategy"`
	Interval        time.Duration    `json:"interval" bson:"interval"`
	LastExecution   time.Time        `json:"last_execution" bson:"last_execution"`
	NextExecution   time.Time        `json:"next_execution" bson:"next_execution"`
	ExecuteCount    int              `json:"execute_count" bson:"execute_count"`
	MaxExecuteCount int              `json:"max_execute_count,omitempty" bson:"max_execute_count,omitempty"`
}

// Exhausted reports whether the advisory attempt ceiling has been reached.
// Jobs without a ceiling are never exhausted.
func (j *RetryJob) Exhausted() bool {
	return j.MaxExecuteCount > 0 && j.ExecuteCount >= j.MaxExecuteCount
}

// Due reports whether the job should run at now.
func (j *RetryJob) Due(now time.Time) bool {
	return !now.Before(j.NextExecution)
}

// RetryRecord is the immutable audit entry for one replay attempt.
type RetryRecord struct {
	ID              string          `json:"id" bson:"_id"`
	Record          *Record         `json:"record" bson:"record"`
	Job             *RetryJob       `json:"job,omitempty" bson:"job,omitempty"`
	Origin          exchange.Origin `json:"origin" bson:"origin"`
	Succeeded       bool            `json:"succeeded" bson:"succeeded"`
	ExecuteCount    int             `json:"execute_count" bson:"execute_count"`
	ExecutedAt      time.Time       `json:"executed_at" bson:"executed_at"`
	Method          string          `json:"method" bson:"method"`
	URL             string          `json:"url" bson:"url"`
	RequestHeaders  exchange.Header `json:"request_headers,omitempty" bson:"request_headers,omitempty"`
	RequestBody     *string         `json:"request_body,omitempty" bson:"request_body,omitempty"`
	ResponseStatus  *int            `json:"response_status,omitempty" bson:"response_status,omitempty"`
	ResponseHeaders exchange.Header `json:"response_headers,omitempty" bson:"response_headers,omitempty"`
	ResponseBody    *string         `json:"response_body,omitempty" bson:"response_body,omitempty"`
	Err             error           `json:"-" bson:"-"`
	ErrorMessage    string          `json:"error,omitempty" bson:"error,omitempty"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
