package mongostore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/audit/resilient"
	"github.com/gaborage/go-reqlog/backoff"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/logger"
)

// fakeCollection keeps documents keyed by _id like a real collection.
type fakeCollection struct {
	mu       sync.Mutex
	replaced []any
	filters  []any
	upserts  []bool
	found    []any
	findOpts options.FindOptions
	docs     map[any]any
	// replaceErrs fail the next ReplaceOne calls in order.
	replaceErrs []error
	findErr     error
}

func (f *fakeCollection) store(id, doc any) {
	if f.docs == nil {
		f.docs = map[any]any{}
	}
	f.docs[id] = doc
}

func (f *fakeCollection) ReplaceOne(_ context.Context, filter, doc any, opts ...options.Lister[options.ReplaceOptions]) (*mongo.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ro options.ReplaceOptions
	for _, o := range opts {
		for _, set := range o.List() {
			_ = set(&ro)
		}
	}
	f.filters = append(f.filters, filter)
	if len(f.replaceErrs) > 0 {
		err := f.replaceErrs[0]
		f.replaceErrs = f.replaceErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.replaced = append(f.replaced, doc)
	f.upserts = append(f.upserts, ro.Upsert != nil && *ro.Upsert)

	id := filter.(bson.D)[0].Value
	if _, exists := f.docs[id]; exists {
		f.store(id, doc)
		return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	if ro.Upsert == nil || !*ro.Upsert {
		return &mongo.UpdateResult{}, nil
	}
	f.store(id, doc)
	return &mongo.UpdateResult{UpsertedCount: 1, UpsertedID: id}, nil
}

func (f *fakeCollection) Find(_ context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongo.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	for _, o := range opts {
		for _, set := range o.List() {
			_ = set(&f.findOpts)
		}
	}
	if f.findErr != nil {
		return nil, f.findErr
	}
	return mongo.NewCursorFromDocuments(f.found, nil, nil)
}

func (f *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) *mongo.SingleResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return mongo.NewSingleResultFromDocument(f.found[0], nil, nil)
}

func newFakeStore() (*Store, *fakeCollection, *fakeCollection, *fakeCollection) {
	records, jobs, retries := &fakeCollection{}, &fakeCollection{}, &fakeCollection{}
	return New(records, jobs, retries), records, jobs, retries
}

var created = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

func sampleRecord() *audit.Record {
	return &audit.Record{
		ID:             "rec-1",
		Origin:         exchange.OriginTransport,
		Kind:           audit.KindException,
		Method:         "GET",
		URL:            "http://inventory/items",
		RequestHeaders: exchange.Header{"X-Tenant": {"acme"}},
		Err:            errors.New("connection reset"),
		ErrorMessage:   "connection reset",
		CreatedAt:      created,
	}
}

func TestSaveRecordAndJob(t *testing.T) {
	s, records, jobs, _ := newFakeStore()
	rec := sampleRecord()
	job, err := audit.NewRetryJob(rec, backoff.Incremental, time.Minute, 4, created)
	require.NoError(t, err)

	require.NoError(t, s.SaveRecordAndJob(context.Background(), rec, job))

	require.Len(t, records.replaced, 1)
	assert.Same(t, rec, records.replaced[0])
	assert.Equal(t, bson.D{{Key: "_id", Value: rec.ID}}, records.filters[0])
	assert.True(t, records.upserts[0])
	require.Len(t, jobs.replaced, 1)
	assert.Same(t, job, jobs.replaced[0])
	assert.Equal(t, bson.D{{Key: "_id", Value: job.ID}}, jobs.filters[0])
	assert.True(t, jobs.upserts[0])
}

func TestSaveRecordAndJobStopsOnRecordFailure(t *testing.T) {
	s, records, jobs, _ := newFakeStore()
	writeErr := errors.New("not primary")
	records.replaceErrs = []error{writeErr}
	rec := sampleRecord()
	job, err := audit.NewDefaultRetryJob(rec, created)
	require.NoError(t, err)

	err = s.SaveRecordAndJob(context.Background(), rec, job)
	require.Error(t, err)
	assert.ErrorIs(t, err, writeErr)
	assert.Contains(t, err.Error(), "mongostore: save record rec-1")
	assert.Empty(t, jobs.replaced)
}

func TestSaveRecordAndJobCanBeRepeated(t *testing.T) {
	s, records, jobs, _ := newFakeStore()
	rec := sampleRecord()
	job, err := audit.NewDefaultRetryJob(rec, created)
	require.NoError(t, err)
	jobs.replaceErrs = []error{errors.New("write concern timeout")}

	require.Error(t, s.SaveRecordAndJob(context.Background(), rec, job))
	require.NoError(t, s.SaveRecordAndJob(context.Background(), rec, job))

	assert.Len(t, records.docs, 1)
	assert.Same(t, rec, records.docs[rec.ID])
	assert.Same(t, job, jobs.docs[job.ID])
}

func TestResilientSaveRecordAndJobRecoversFromFailedJobWrite(t *testing.T) {
	store, records, jobs, _ := newFakeStore()
	jobs.replaceErrs = []error{errors.New("write concern timeout")}
	cfg := resilient.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	s := resilient.New(store, cfg, logger.NewNop())

	rec := sampleRecord()
	job, err := audit.NewDefaultRetryJob(rec, created)
	require.NoError(t, err)

	require.NoError(t, s.SaveRecordAndJob(context.Background(), rec, job))
	assert.Len(t, records.replaced, 2, "the record is written again on retry")
	assert.Len(t, records.docs, 1)
	assert.Same(t, job, jobs.docs[job.ID])
	assert.Equal(t, "closed", s.State())
}

func TestSaveRetryJobUpserts(t *testing.T) {
	s, _, jobs, _ := newFakeStore()
	job, err := audit.NewDefaultRetryJob(sampleRecord(), created)
	require.NoError(t, err)

	require.NoError(t, s.SaveRetryJob(context.Background(), job))
	require.NoError(t, s.SaveRetryJob(context.Background(), job))
	assert.Equal(t, []bool{true, true}, jobs.upserts)
}

func TestSaveRetryRecord(t *testing.T) {
	s, _, _, retries := newFakeStore()
	rr := &audit.RetryRecord{ID: "retry-1", Record: sampleRecord(), Succeeded: true, ExecutedAt: created}

	require.NoError(t, s.SaveRetryRecord(context.Background(), rr))
	require.NoError(t, s.SaveRetryRecord(context.Background(), rr))
	require.Len(t, retries.replaced, 2)
	assert.Equal(t, []bool{true, true}, retries.upserts)
	assert.Len(t, retries.docs, 1)
	assert.Same(t, rr, retries.docs["retry-1"])
}

func TestNilArguments(t *testing.T) {
	s, _, _, _ := newFakeStore()
	ctx := context.Background()

	assert.ErrorIs(t, s.SaveRecord(ctx, nil), audit.ErrNilRecord)
	assert.ErrorIs(t, s.SaveRecordAndJob(ctx, sampleRecord(), nil), audit.ErrNilJob)
	assert.ErrorIs(t, s.SaveRetryJob(ctx, nil), audit.ErrNilJob)
	assert.ErrorIs(t, s.SaveRetryRecord(ctx, nil), audit.ErrNilRecord)
}

func TestDueJobs(t *testing.T) {
	s, _, jobs, _ := newFakeStore()
	job, err := audit.NewRetryJob(sampleRecord(), backoff.Fibonacci, 30*time.Second, 3, created)
	require.NoError(t, err)
	jobs.found = []any{job}
	now := created.Add(time.Hour)

	due, err := s.DueJobs(context.Background(), now, 25)
	require.NoError(t, err)
	require.Len(t, due, 1)

	got := due[0]
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, backoff.Fibonacci, got.Strategy)
	assert.Equal(t, 30*time.Second, got.Interval)
	assert.Equal(t, 1, got.ExecuteCount)
	assert.Equal(t, 3, got.MaxExecuteCount)
	require.NotNil(t, got.Record)
	assert.Equal(t, "rec-1", got.Record.ID)
	assert.Equal(t, []string{"acme"}, got.Record.RequestHeaders["X-Tenant"])
	assert.EqualError(t, got.Record.Err, "connection reset")

	require.NotNil(t, jobs.findOpts.Limit)
	assert.Equal(t, int64(25), *jobs.findOpts.Limit)
	assert.Equal(t, dueFilter(now), jobs.filters[0])
}

func TestDueJobsFindError(t *testing.T) {
	s, _, jobs, _ := newFakeStore()
	jobs.findErr = errors.New("server selection timeout")

	_, err := s.DueJobs(context.Background(), created, 0)
	assert.ErrorContains(t, err, "server selection timeout")
	assert.Nil(t, jobs.findOpts.Limit)
}

func TestFindRecord(t *testing.T) {
	s, records, _, _ := newFakeStore()
	records.found = []any{sampleRecord()}

	rec, err := s.FindRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "http://inventory/items", rec.URL)
	assert.EqualError(t, rec.Err, "connection reset")
	assert.Equal(t, bson.D{{Key: "_id", Value: "rec-1"}}, records.filters[0])
}

func TestOpenRequiresURI(t *testing.T) {
	_, err := Open(context.Background(), &Config{})
	assert.Error(t, err)
	_, err = Open(context.Background(), nil)
	assert.Error(t, err)
}

func TestDueFilterShape(t *testing.T) {
	f := dueFilter(created)
	require.Len(t, f, 2)
	assert.Equal(t, "next_execution", f[0].Key)
	assert.Equal(t, "$or", f[1].Key)
	assert.Len(t, f[1].Value, 3)
}
