// Package fanout writes audit output to several sinks concurrently.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gaborage/go-reqlog/audit"
)

// Sink delivers every call to all of its targets. A failing target does not
// cancel the others; their errors are joined.
type Sink struct {
	names   []string
	targets []audit.Sink
}

var _ audit.Sink = (*Sink)(nil)

// New returns an empty fan-out; add targets with Add.
func New() *Sink {
	return &Sink{}
}

// Add registers a named target. Nil targets are ignored.
func (s *Sink) Add(name string, target audit.Sink) *Sink {
	if target != nil {
		s.names = append(s.names, name)
		s.targets = append(s.targets, target)
	}
	return s
}

// Len is the number of targets.
func (s *Sink) Len() int { return len(s.targets) }

func (s *Sink) SaveRecord(ctx context.Context, rec *audit.Record) error {
	return s.each(ctx, func(ctx context.Context, t audit.Sink) error { return t.SaveRecord(ctx, rec) })
}

func (s *Sink) SaveRecordAndJob(ctx context.Context, rec *audit.Record, job *audit.RetryJob) error {
	return s.each(ctx, func(ctx context.Context, t audit.Sink) error { return t.SaveRecordAndJob(ctx, rec, job) })
}

func (s *Sink) SaveRetryJob(ctx context.Context, job *audit.RetryJob) error {
	return s.each(ctx, func(ctx context.Context, t audit.Sink) error { return t.SaveRetryJob(ctx, job) })
}

func (s *Sink) SaveRetryRecord(ctx context.Context, rec *audit.RetryRecord) error {
	return s.each(ctx, func(ctx context.Context, t audit.Sink) error { return t.SaveRetryRecord(ctx, rec) })
}

func (s *Sink) each(ctx context.Context, fn func(context.Context, audit.Sink) error) error {
	if len(s.targets) == 1 {
		if err := fn(ctx, s.targets[0]); err != nil {
			return fmt.Errorf("%s: %w", s.names[0], err)
		}
		return nil
	}

	errs := make([]error, len(s.targets))
	var g errgroup.Group
	for i, t := range s.targets {
		g.Go(func() error {
			if err := fn(ctx, t); err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.names[i], err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
