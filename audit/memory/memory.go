// Package memory is an in-process audit.Sink for tests and development.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gaborage/go-reqlog/audit"
)

// Sink keeps everything in memory. Retry jobs are keyed by ID, so saving a
// job again replaces the stored copy.
type Sink struct {
	mu           sync.RWMutex
	records      []*audit.Record
	jobs         map[string]*audit.RetryJob
	jobOrder     []string
	retryRecords []*audit.RetryRecord
}

var _ audit.Sink = (*Sink)(nil)

func New() *Sink {
	return &Sink{jobs: make(map[string]*audit.RetryJob)}
}

func (s *Sink) SaveRecord(_ context.Context, rec *audit.Record) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *Sink) SaveRecordAndJob(ctx context.Context, rec *audit.Record, job *audit.RetryJob) error {
	if job == nil {
		return audit.ErrNilJob
	}
	if err := s.SaveRecord(ctx, rec); err != nil {
		return err
	}
	return s.SaveRetryJob(ctx, job)
}

func (s *Sink) SaveRetryJob(_ context.Context, job *audit.RetryJob) error {
	if job == nil {
		return audit.ErrNilJob
	}
	stored := *job
	s.mu.Lock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.jobOrder = append(s.jobOrder, job.ID)
	}
	s.jobs[job.ID] = &stored
	s.mu.Unlock()
	return nil
}

func (s *Sink) SaveRetryRecord(_ context.Context, rec *audit.RetryRecord) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	s.mu.Lock()
	s.retryRecords = append(s.retryRecords, rec)
	s.mu.Unlock()
	return nil
}

// Records returns the saved records in insertion order.
func (s *Sink) Records() []*audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// Jobs returns copies of the saved jobs in first-saved order.
func (s *Sink) Jobs() []*audit.RetryJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.RetryJob, 0, len(s.jobOrder))
	for _, id := range s.jobOrder {
		j := *s.jobs[id]
		out = append(out, &j)
	}
	return out
}

// Job returns a copy of the job with id.
func (s *Sink) Job(id string) (*audit.RetryJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// DueJobs returns jobs due at now that have not exhausted their attempts.
func (s *Sink) DueJobs(now time.Time) []*audit.RetryJob {
	var due []*audit.RetryJob
	for _, j := range s.Jobs() {
		if j.Due(now) && !j.Exhausted() {
			due = append(due, j)
		}
	}
	return due
}

// RetryRecords returns the saved retry records in insertion order.
func (s *Sink) RetryRecords() []*audit.RetryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.retryRecords)
}

// Reset drops everything.
func (s *Sink) Reset() {
	s.mu.Lock()
	s.records = nil
	s.jobs = make(map[string]*audit.RetryJob)
	s.jobOrder = nil
	s.retryRecords = nil
	s.mu.Unlock()
}
