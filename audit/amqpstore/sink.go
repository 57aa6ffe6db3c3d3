// Package amqpstore publishes audit output as JSON events to a RabbitMQ
// topic exchange, for consumers that persist or alert on failed exchanges.
package amqpstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/internal/tracking"
)

const sinkName = "amqp"

// Event types, also used as routing key suffixes.
const (
	EventRecord       = "record"
	EventRecordAndJob = "record_and_job"
	EventRetryJob     = "retry_job"
	EventRetryRecord  = "retry_record"
)

// DefaultExchange and DefaultRoutingPrefix apply when SinkConfig leaves them empty.
const (
	DefaultExchange      = "reqlog"
	DefaultRoutingPrefix = "reqlog."
)

// Event is the message body.
type Event struct {
	Type        string             `json:"type"`
	OccurredAt  time.Time          `json:"occurred_at"`
	Record      *audit.Record      `json:"record,omitempty"`
	Job         *audit.RetryJob    `json:"job,omitempty"`
	RetryRecord *audit.RetryRecord `json:"retry_record,omitempty"`
}

type SinkConfig struct {
	Exchange      string
	RoutingPrefix string
}

// Sink is an audit.Sink that publishes one event per call.
type Sink struct {
	pub Publisher
	cfg SinkConfig
	now func() time.Time
}

var _ audit.Sink = (*Sink)(nil)

func NewSink(pub Publisher, cfg SinkConfig) *Sink {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.RoutingPrefix == "" {
		cfg.RoutingPrefix = DefaultRoutingPrefix
	}
	return &Sink{pub: pub, cfg: cfg, now: time.Now}
}

func (s *Sink) SaveRecord(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	return s.publish(ctx, tracking.OpSaveRecord, &Event{Type: EventRecord, Record: rec})
}

func (s *Sink) SaveRecordAndJob(ctx context.Context, rec *audit.Record, job *audit.RetryJob) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	if job == nil {
		return audit.ErrNilJob
	}
	return s.publish(ctx, tracking.OpSaveRecordAndJob, &Event{Type: EventRecordAndJob, Record: rec, Job: job})
}

func (s *Sink) SaveRetryJob(ctx context.Context, job *audit.RetryJob) error {
	if job == nil {
		return audit.ErrNilJob
	}
	return s.publish(ctx, tracking.OpSaveRetryJob, &Event{Type: EventRetryJob, Job: job})
}

func (s *Sink) SaveRetryRecord(ctx context.Context, rec *audit.RetryRecord) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	return s.publish(ctx, tracking.OpSaveRetryRecord, &Event{Type: EventRetryRecord, RetryRecord: rec})
}

func (s *Sink) publish(ctx context.Context, op string, ev *Event) error {
	start := time.Now()
	ev.OccurredAt = s.now().UTC()

	body, err := json.Marshal(ev)
	if err == nil {
		err = s.pub.PublishToExchange(ctx, PublishOptions{
			Exchange:   s.cfg.Exchange,
			RoutingKey: s.cfg.RoutingPrefix + ev.Type,
			Headers:    map[string]any{"x-reqlog-event": ev.Type},
		}, body)
	}
	tracking.RecordSinkOperation(ctx, sinkName, op, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("amqpstore: publish %s: %w", ev.Type, err)
	}
	return nil
}
