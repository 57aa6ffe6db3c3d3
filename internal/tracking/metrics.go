// Package tracking records OpenTelemetry metrics for capture, sink and replay
// activity. Instruments are created lazily on the global MeterProvider.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "go-reqlog"

	metricCaptures        = "reqlog.capture.total"
	metricPredicatePanics = "reqlog.capture.predicate_panics"
	metricReplays         = "reqlog.replay.total"

	// Histograms, in seconds
	metricSinkDuration   = "reqlog.sink.operation.duration"
	metricReplayDuration = "reqlog.replay.duration"

	attrOrigin    = "reqlog.origin"
	attrKind      = "reqlog.kind"
	attrLoggable  = "reqlog.loggable"
	attrRetryable = "reqlog.retryable"
	attrSucceeded = "reqlog.succeeded"
	attrSink      = "reqlog.sink"
	attrOperation = "reqlog.sink.operation"
	attrErrorType = "error.type"
)

// Sink operation names.
const (
	OpSaveRecord       = "save_record"
	OpSaveRecordAndJob = "save_record_and_job"
	OpSaveRetryJob     = "save_retry_job"
	OpSaveRetryRecord  = "save_retry_record"
)

var (
	meter       metric.Meter
	meterOnce   sync.Once
	meterInitMu sync.Mutex

	captureCounter  metric.Int64Counter
	panicCounter    metric.Int64Counter
	sinkDuration    metric.Float64Histogram
	replayCounter   metric.Int64Counter
	replayHistogram metric.Float64Histogram
)

func logMetricError(name string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to initialize reqlog metric %s: %v\n", name, err)
	}
}

func initMeter() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	if meter != nil {
		return
	}
	meter = otel.Meter(meterName)

	var err error
	captureCounter, err = meter.Int64Counter(metricCaptures,
		metric.WithDescription("Exchanges classified by the capture engine"),
		metric.WithUnit("{exchange}"))
	logMetricError(metricCaptures, err)

	panicCounter, err = meter.Int64Counter(metricPredicatePanics,
		metric.WithDescription("Classifier predicates that panicked"),
		metric.WithUnit("{panic}"))
	logMetricError(metricPredicatePanics, err)

	sinkDuration, err = meter.Float64Histogram(metricSinkDuration,
		metric.WithDescription("Duration of audit sink writes"),
		metric.WithUnit("s"))
	logMetricError(metricSinkDuration, err)

	replayCounter, err = meter.Int64Counter(metricReplays,
		metric.WithDescription("Replay attempts by outcome"),
		metric.WithUnit("{attempt}"))
	logMetricError(metricReplays, err)

	replayHistogram, err = meter.Float64Histogram(metricReplayDuration,
		metric.WithDescription("Duration of replay attempts"),
		metric.WithUnit("s"))
	logMetricError(metricReplayDuration, err)
}

func ensureMeter() {
	meterOnce.Do(initMeter)
}

// RecordCapture counts one classification.
func RecordCapture(ctx context.Context, origin, kind string, loggable, retryable bool) {
	ensureMeter()
	if captureCounter == nil {
		return
	}
	captureCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrOrigin, origin),
		attribute.String(attrKind, kind),
		attribute.Bool(attrLoggable, loggable),
		attribute.Bool(attrRetryable, retryable),
	))
}

// RecordPredicatePanic counts a recovered classifier panic.
func RecordPredicatePanic(ctx context.Context, origin string) {
	ensureMeter()
	if panicCounter == nil {
		return
	}
	panicCounter.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOrigin, origin)))
}

// RecordSinkOperation records the duration and outcome of a sink write.
func RecordSinkOperation(ctx context.Context, sink, operation string, duration time.Duration, err error) {
	ensureMeter()
	if sinkDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrSink, sink),
		attribute.String(attrOperation, operation),
	}
	if err != nil {
		attrs = append(attrs, attribute.String(attrErrorType, classifyError(err)))
	}
	sinkDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordReplay counts a replay attempt and records its duration.
func RecordReplay(ctx context.Context, origin string, succeeded bool, duration time.Duration) {
	ensureMeter()
	attrs := metric.WithAttributes(
		attribute.String(attrOrigin, origin),
		attribute.Bool(attrSucceeded, succeeded),
	)
	if replayCounter != nil {
		replayCounter.Add(ctx, 1, attrs)
	}
	if replayHistogram != nil {
		replayHistogram.Record(ctx, duration.Seconds(), attrs)
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "circuit"):
		return "circuit_open"
	case strings.Contains(msg, "connection"):
		return "connection_error"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	default:
		return "error"
	}
}

// ResetForTesting drops the cached instruments so the next call binds to the
// current global MeterProvider.
func ResetForTesting() {
	meterInitMu.Lock()
	defer meterInitMu.Unlock()

	meter = nil
	captureCounter = nil
	panicCounter = nil
	sinkDuration = nil
	replayCounter = nil
	replayHistogram = nil
	meterOnce = sync.Once{}
}
