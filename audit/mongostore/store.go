// Package mongostore persists audit output to MongoDB, one collection per
// entity. Retry jobs embed their record, so a due job is replayable from a
// single document.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/internal/tracking"
)

const (
	sinkName = "mongodb"

	DefaultDatabase          = "reqlog"
	DefaultCollectionPrefix  = "reqlog_"
	defaultConnectionTimeout = 10 * time.Second
)

// ErrNotFound is returned by lookups that match no document.
var ErrNotFound = errors.New("mongostore: not found")

// Collection is the subset of *mongo.Collection the store uses.
type Collection interface {
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongo.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongo.Cursor, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongo.SingleResult
}

// Config addresses the database.
type Config struct {
	URI              string
	Database         string
	CollectionPrefix string
	Timeout          time.Duration
}

// Store is an audit.Sink backed by three collections.
type Store struct {
	client       *mongo.Client
	records      Collection
	jobs         Collection
	retryRecords Collection
}

var _ audit.Sink = (*Store)(nil)

var (
	connectMongoDB = func(opts *options.ClientOptions) (*mongo.Client, error) {
		return mongo.Connect(opts)
	}
	pingMongoDB = func(ctx context.Context, client *mongo.Client) error {
		return client.Ping(ctx, readpref.Primary())
	}
)

// Open connects, pings the primary and ensures the job scheduling index.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.URI == "" {
		return nil, errors.New("mongostore: uri is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultConnectionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := connectMongoDB(options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := pingMongoDB(ctx, client); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = DefaultDatabase
	}
	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = DefaultCollectionPrefix
	}
	db := client.Database(dbName)
	jobs := db.Collection(prefix + "retry_jobs")

	_, err = jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "next_execution", Value: 1}},
		Options: options.Index().SetName("next_execution_1"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: create index: %w", err)
	}

	s := New(db.Collection(prefix+"records"), jobs, db.Collection(prefix+"retry_records"))
	s.client = client
	return s, nil
}

// New builds a store over existing collections.
func New(records, jobs, retryRecords Collection) *Store {
	return &Store{records: records, jobs: jobs, retryRecords: retryRecords}
}

// Close disconnects a store created by Open.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) SaveRecord(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	return s.observe(ctx, tracking.OpSaveRecord, func() error {
		return s.saveRecord(ctx, rec)
	})
}

// SaveRecordAndJob upserts the record, then the job. The writes are not
// transactional; a failed job write leaves the record in place and repeating
// the call completes it.
func (s *Store) SaveRecordAndJob(ctx context.Context, rec *audit.Record, job *audit.RetryJob) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	if job == nil {
		return audit.ErrNilJob
	}
	return s.observe(ctx, tracking.OpSaveRecordAndJob, func() error {
		if err := s.saveRecord(ctx, rec); err != nil {
			return err
		}
		return s.upsertJob(ctx, job)
	})
}

func (s *Store) SaveRetryJob(ctx context.Context, job *audit.RetryJob) error {
	if job == nil {
		return audit.ErrNilJob
	}
	return s.observe(ctx, tracking.OpSaveRetryJob, func() error {
		return s.upsertJob(ctx, job)
	})
}

func (s *Store) SaveRetryRecord(ctx context.Context, rec *audit.RetryRecord) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	return s.observe(ctx, tracking.OpSaveRetryRecord, func() error {
		if _, err := s.retryRecords.ReplaceOne(ctx, byID(rec.ID), rec, options.Replace().SetUpsert(true)); err != nil {
			return fmt.Errorf("save retry record %s: %w", rec.ID, err)
		}
		return nil
	})
}

// DueJobs returns up to limit jobs due at now that have not reached their
// attempt ceiling, earliest first. A non-positive limit returns all of them.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]*audit.RetryJob, error) {
	opts := options.Find().SetSort(bson.D{{Key: "next_execution", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.jobs.Find(ctx, dueFilter(now), opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: find due jobs: %w", err)
	}
	defer cur.Close(ctx)

	var jobs []*audit.RetryJob
	if err := cur.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("mongostore: decode due jobs: %w", err)
	}
	for _, job := range jobs {
		restoreErr(job.Record)
	}
	return jobs, nil
}

// FindRecord loads one audit record by ID.
func (s *Store) FindRecord(ctx context.Context, id string) (*audit.Record, error) {
	var rec audit.Record
	if err := s.records.FindOne(ctx, byID(id)).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongostore: find record %s: %w", id, err)
	}
	restoreErr(&rec)
	return &rec, nil
}

func dueFilter(now time.Time) bson.D {
	return bson.D{
		{Key: "next_execution", Value: bson.D{{Key: "$lte", Value: now.UTC()}}},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "max_execute_count", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "max_execute_count", Value: 0}},
			bson.D{{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{"$execute_count", "$max_execute_count"}}}}},
		}},
	}
}

// saveRecord upserts on _id so a retried write of the same record succeeds.
func (s *Store) saveRecord(ctx context.Context, rec *audit.Record) error {
	if _, err := s.records.ReplaceOne(ctx, byID(rec.ID), rec, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) upsertJob(ctx context.Context, job *audit.RetryJob) error {
	_, err := s.jobs.ReplaceOne(ctx, byID(job.ID), job, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert retry job %s: %w", job.ID, err)
	}
	return nil
}

func byID(id string) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}

func (s *Store) observe(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	tracking.RecordSinkOperation(ctx, sinkName, op, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("mongostore: %w", err)
	}
	return nil
}

// restoreErr rebuilds the error value, which is stored only as its message.
func restoreErr(rec *audit.Record) {
	if rec != nil && rec.Err == nil && rec.ErrorMessage != "" {
		rec.Err = errors.New(rec.ErrorMessage)
	}
}
