// Package logsink writes audit output as structured log entries. It is the
// default sink when nothing else is configured.
package logsink

import (
	"context"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/logger"
)

// HeaderFilter masks header values before they are logged.
type HeaderFilter interface {
	FilterHeaders(h exchange.Header) exchange.Header
}

// Sink logs every record at warn level and replay outcomes at info level.
type Sink struct {
	log    logger.Logger
	filter HeaderFilter
}

var _ audit.Sink = (*Sink)(nil)

// New returns a sink writing to log. A nil filter falls back to the default
// sensitive header list.
func New(log logger.Logger, filter HeaderFilter) *Sink {
	if log == nil {
		log = logger.NewNop()
	}
	if filter == nil {
		filter = logger.NewSensitiveDataFilter(nil)
	}
	return &Sink{log: log.WithFields(map[string]any{"component": "reqlog"}), filter: filter}
}

func (s *Sink) SaveRecord(_ context.Context, rec *audit.Record) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	s.recordEvent(s.log.Warn(), rec).Msg("HTTP exchange failed")
	return nil
}

func (s *Sink) SaveRecordAndJob(_ context.Context, rec *audit.Record, job *audit.RetryJob) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	if job == nil {
		return audit.ErrNilJob
	}
	s.recordEvent(s.log.Warn(), rec).
		Str("job_id", job.ID).
		Str("strategy", job.Strategy.String()).
		Dur("interval", job.Interval).
		Time("next_execution", job.NextExecution).
		Msg("HTTP exchange failed; retry scheduled")
	return nil
}

func (s *Sink) SaveRetryJob(_ context.Context, job *audit.RetryJob) error {
	if job == nil {
		return audit.ErrNilJob
	}
	s.log.Info().
		Str("job_id", job.ID).
		Str("record_id", recordID(job.Record)).
		Int("execute_count", job.ExecuteCount).
		Int("max_execute_count", job.MaxExecuteCount).
		Time("last_execution", job.LastExecution).
		Time("next_execution", job.NextExecution).
		Msg("Retry job updated")
	return nil
}

func (s *Sink) SaveRetryRecord(_ context.Context, rec *audit.RetryRecord) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	e := s.log.Info()
	if !rec.Succeeded {
		e = s.log.Warn()
	}
	e = e.Str("retry_id", rec.ID).
		Str("record_id", recordID(rec.Record)).
		Str("origin", rec.Origin.String()).
		Bool("succeeded", rec.Succeeded).
		Int("execute_count", rec.ExecuteCount).
		Str("method", rec.Method).
		Str("url", rec.URL).
		Interface("request_headers", s.filter.FilterHeaders(rec.RequestHeaders))
	if rec.ResponseStatus != nil {
		e = e.Int("status", *rec.ResponseStatus)
	}
	if rec.Err != nil {
		e = e.Err(rec.Err)
	}
	e.Msg("Replay attempt finished")
	return nil
}

func (s *Sink) recordEvent(e logger.LogEvent, rec *audit.Record) logger.LogEvent {
	e = e.Str("record_id", rec.ID).
		Str("origin", rec.Origin.String()).
		Str("kind", string(rec.Kind)).
		Str("method", rec.Method).
		Str("url", rec.URL).
		Interface("request_headers", s.filter.FilterHeaders(rec.RequestHeaders))
	if rec.TraceID != "" {
		e = e.Str("trace_id", rec.TraceID)
	}
	if rec.ResponseStatus != nil {
		e = e.Int("status", *rec.ResponseStatus)
	}
	if rec.Err != nil {
		e = e.Err(rec.Err)
	}
	if len(rec.Attributes) > 0 {
		e = e.Interface("attributes", rec.Attributes)
	}
	return e
}

func recordID(rec *audit.Record) string {
	if rec == nil {
		return ""
	}
	return rec.ID
}
