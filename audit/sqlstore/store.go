// Package sqlstore persists audit output to PostgreSQL, Oracle or SQLite.
//
// Statements are built with squirrel using the vendor's placeholder format.
// Header multimaps and attributes are stored as JSON text.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/backoff"
	"github.com/gaborage/go-reqlog/exchange"
	"github.com/gaborage/go-reqlog/internal/tracking"
	"github.com/gaborage/go-reqlog/logger"
)

const sinkName = "sql"

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("sqlstore: not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is an audit.Sink backed by database/sql.
type Store struct {
	db     *sql.DB
	vendor Vendor
	sb     squirrel.StatementBuilderType
	tables tables
	log    logger.Logger
}

var _ audit.Sink = (*Store)(nil)

// Open connects using cfg. The caller owns the returned store and must Close it.
func Open(cfg *Config, log logger.Logger) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("sqlstore: nil config")
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return New(db, cfg.Vendor, cfg.TablePrefix, log), nil
}

// New wraps an existing pool.
func New(db *sql.DB, vendor Vendor, tablePrefix string, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{
		db:     db,
		vendor: vendor,
		sb:     squirrel.StatementBuilder.PlaceholderFormat(vendor.placeholder()),
		tables: newTables(tablePrefix),
		log:    log,
	}
}

func (s *Store) DB() *sql.DB                    { return s.db }
func (s *Store) Vendor() Vendor                 { return s.vendor }
func (s *Store) Close() error                   { return s.db.Close() }
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) SaveRecord(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	return s.observe(ctx, tracking.OpSaveRecord, func() error {
		return s.insertRecord(ctx, s.db, rec)
	})
}

// SaveRecordAndJob writes both rows in one transaction.
func (s *Store) SaveRecordAndJob(ctx context.Context, rec *audit.Record, job *audit.RetryJob) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	if job == nil {
		return audit.ErrNilJob
	}
	return s.observe(ctx, tracking.OpSaveRecordAndJob, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if err := s.insertRecord(ctx, tx, rec); err != nil {
				return err
			}
			return s.insertJob(ctx, tx, rec.ID, job)
		})
	})
}

// SaveRetryJob updates the job row, inserting it when it does not exist yet.
func (s *Store) SaveRetryJob(ctx context.Context, job *audit.RetryJob) error {
	if job == nil {
		return audit.ErrNilJob
	}
	return s.observe(ctx, tracking.OpSaveRetryJob, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			query, args, err := s.sb.Update(s.tables.jobs).
				Set("strategy", job.Strategy.String()).
				Set("interval_ms", job.Interval.Milliseconds()).
				Set("last_execution", nullTime(job.LastExecution)).
				Set("next_execution", job.NextExecution.UTC()).
				Set("execute_count", job.ExecuteCount).
				Set("max_execute_count", job.MaxExecuteCount).
				Where(squirrel.Eq{"id": job.ID}).
				ToSql()
			if err != nil {
				return fmt.Errorf("build update: %w", err)
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("update retry job %s: %w", job.ID, err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				return nil
			}
			return s.insertJob(ctx, tx, recordID(job.Record), job)
		})
	})
}

func (s *Store) SaveRetryRecord(ctx context.Context, rec *audit.RetryRecord) error {
	if rec == nil {
		return audit.ErrNilRecord
	}
	return s.observe(ctx, tracking.OpSaveRetryRecord, func() error {
		reqHeaders, err := encodeJSON(rec.RequestHeaders)
		if err != nil {
			return err
		}
		respHeaders, err := encodeJSON(rec.ResponseHeaders)
		if err != nil {
			return err
		}
		var jobID any
		if rec.Job != nil {
			jobID = rec.Job.ID
		}
		query, args, err := s.sb.Insert(s.tables.retryRecords).
			Columns(retryRecordColumns...).
			Values(
				rec.ID, nullString(recordID(rec.Record)), jobID, rec.Origin.String(),
				s.vendor.boolValue(rec.Succeeded), rec.ExecuteCount, rec.ExecutedAt.UTC(),
				rec.Method, rec.URL, reqHeaders, ptrValue(rec.RequestBody), ptrValue(rec.ResponseStatus),
				respHeaders, ptrValue(rec.ResponseBody), nullString(rec.ErrorMessage),
			).
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert retry record %s: %w", rec.ID, err)
		}
		return nil
	})
}

// DueJobs returns up to limit jobs whose next execution is at or before now
// and that have not reached their attempt ceiling, earliest first. A
// non-positive limit returns every due job.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]*audit.RetryJob, error) {
	q := s.sb.Select(append(prefixed("j", jobColumns), prefixed("r", recordColumns)...)...).
		From(s.tables.jobs + " j").
		Join(s.tables.records + " r ON r.id = j.record_id").
		Where(squirrel.LtOrEq{"j.next_execution": now.UTC()}).
		Where(squirrel.Or{
			squirrel.Eq{"j.max_execute_count": 0},
			squirrel.Expr("j.execute_count < j.max_execute_count"),
		}).
		OrderBy("j.next_execution")
	if limit > 0 {
		if s.vendor == Oracle {
			q = q.Suffix(fmt.Sprintf("FETCH FIRST %d ROWS ONLY", limit))
		} else {
			q = q.Limit(uint64(limit))
		}
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*audit.RetryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: iterate due jobs: %w", err)
	}
	return jobs, nil
}

// FindRecord loads one audit record by ID.
func (s *Store) FindRecord(ctx context.Context, id string) (*audit.Record, error) {
	query, args, err := s.sb.Select(recordColumns...).
		From(s.tables.records).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build select: %w", err)
	}
	rec := &audit.Record{}
	sc := newRecordScan(rec)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(sc.dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sqlstore: find record %s: %w", id, err)
	}
	if err := sc.apply(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) insertRecord(ctx context.Context, db execer, rec *audit.Record) error {
	reqHeaders, err := encodeJSON(rec.RequestHeaders)
	if err != nil {
		return err
	}
	respHeaders, err := encodeJSON(rec.ResponseHeaders)
	if err != nil {
		return err
	}
	attrs, err := encodeJSON(rec.Attributes)
	if err != nil {
		return err
	}
	query, args, err := s.sb.Insert(s.tables.records).
		Columns(recordColumns...).
		Values(
			rec.ID, rec.Origin.String(), string(rec.Kind), rec.Method, rec.URL, rec.Path,
			reqHeaders, ptrValue(rec.RequestBody), ptrValue(rec.ResponseStatus), respHeaders, ptrValue(rec.ResponseBody),
			nullString(rec.ErrorMessage), nullString(rec.TraceID), attrs, rec.CreatedAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) insertJob(ctx context.Context, db execer, recID string, job *audit.RetryJob) error {
	query, args, err := s.sb.Insert(s.tables.jobs).
		Columns(jobColumns...).
		Values(
			job.ID, recID, job.Strategy.String(), job.Interval.Milliseconds(),
			nullTime(job.LastExecution), job.NextExecution.UTC(), job.ExecuteCount, job.MaxExecuteCount,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert retry job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) observe(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	tracking.RecordSinkOperation(ctx, sinkName, op, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("sqlstore: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(rows rowScanner) (*audit.RetryJob, error) {
	var (
		job        audit.RetryJob
		recID      string
		strategy   string
		intervalMS int64
		last       sql.NullTime
	)
	rec := &audit.Record{}
	sc := newRecordScan(rec)
	dest := append([]any{
		&job.ID, &recID, &strategy, &intervalMS,
		&last, &job.NextExecution, &job.ExecuteCount, &job.MaxExecuteCount,
	}, sc.dest()...)
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("sqlstore: scan retry job: %w", err)
	}
	if err := sc.apply(); err != nil {
		return nil, err
	}

	parsed, err := backoff.Parse(strategy)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: retry job %s: %w", job.ID, err)
	}
	job.Strategy = parsed
	job.Interval = time.Duration(intervalMS) * time.Millisecond
	if last.Valid {
		job.LastExecution = last.Time
	}
	job.Record = rec
	return &job, nil
}

// recordScan holds the nullable intermediates for one record row.
type recordScan struct {
	rec         *audit.Record
	origin      string
	kind        string
	path        sql.NullString
	reqHeaders  sql.NullString
	reqBody     sql.NullString
	status      sql.NullInt64
	respHeaders sql.NullString
	respBody    sql.NullString
	errMsg      sql.NullString
	traceID     sql.NullString
	attrs       sql.NullString
}

func newRecordScan(rec *audit.Record) *recordScan {
	return &recordScan{rec: rec}
}

func (r *recordScan) dest() []any {
	return []any{
		&r.rec.ID, &r.origin, &r.kind, &r.rec.Method, &r.rec.URL, &r.path,
		&r.reqHeaders, &r.reqBody, &r.status, &r.respHeaders, &r.respBody,
		&r.errMsg, &r.traceID, &r.attrs, &r.rec.CreatedAt,
	}
}

func (r *recordScan) apply() error {
	rec := r.rec
	rec.Origin = exchange.Origin(r.origin)
	rec.Kind = audit.ErrorKind(r.kind)
	rec.Path = r.path.String
	rec.ErrorMessage = r.errMsg.String
	rec.TraceID = r.traceID.String
	if r.reqBody.Valid {
		rec.RequestBody = exchange.String(r.reqBody.String)
	}
	if r.respBody.Valid {
		rec.ResponseBody = exchange.String(r.respBody.String)
	}
	if r.status.Valid {
		code := int(r.status.Int64)
		rec.ResponseStatus = &code
	}
	if rec.ErrorMessage != "" {
		rec.Err = errors.New(rec.ErrorMessage)
	}
	if err := decodeJSON(r.reqHeaders, &rec.RequestHeaders); err != nil {
		return err
	}
	if err := decodeJSON(r.respHeaders, &rec.ResponseHeaders); err != nil {
		return err
	}
	return decodeJSON(r.attrs, &rec.Attributes)
}

func encodeJSON[T ~map[K]V, K comparable, V any](v T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s sql.NullString, out any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), out); err != nil {
		return fmt.Errorf("sqlstore: decode json: %w", err)
	}
	return nil
}

func ptrValue[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func prefixed(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return out
}

func recordID(rec *audit.Record) string {
	if rec == nil {
		return ""
	}
	return rec.ID
}
