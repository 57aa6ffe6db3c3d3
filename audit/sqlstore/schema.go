package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// DefaultTablePrefix is used when Config.TablePrefix is empty.
const DefaultTablePrefix = "reqlog_"

type tables struct {
	records      string
	jobs         string
	retryRecords string
}

func newTables(prefix string) tables {
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	return tables{
		records:      prefix + "records",
		jobs:         prefix + "retry_jobs",
		retryRecords: prefix + "retry_records",
	}
}

var (
	recordColumns = []string{
		"id", "origin", "kind", "method", "url", "path",
		"request_headers", "request_body", "response_status", "response_headers", "response_body",
		"error_message", "trace_id", "attributes", "created_at",
	}
	jobColumns = []string{
		"id", "record_id", "strategy", "interval_ms",
		"last_execution", "next_execution", "execute_count", "max_execute_count",
	}
	retryRecordColumns = []string{
		"id", "record_id", "job_id", "origin", "succeeded", "execute_count", "executed_at",
		"method", "url", "request_headers", "request_body", "response_status", "response_headers", "response_body",
		"error_message",
	}
)

// Schema returns the CREATE statements for the three audit tables.
func (s *Store) Schema() []string {
	v := s.vendor
	create := "CREATE TABLE IF NOT EXISTS "
	if v == Oracle {
		create = "CREATE TABLE "
	}
	id := v.stringType(36)
	txt := v.textType()

	return []string{
		create + s.tables.records + " (" + strings.Join([]string{
			"id " + id + " PRIMARY KEY",
			"origin " + v.stringType(32) + " NOT NULL",
			"kind " + v.stringType(16) + " NOT NULL",
			"method " + v.stringType(16) + " NOT NULL",
			"url " + txt + " NOT NULL",
			"path " + txt,
			"request_headers " + txt,
			"request_body " + txt,
			"response_status " + v.intType(),
			"response_headers " + txt,
			"response_body " + txt,
			"error_message " + txt,
			"trace_id " + v.stringType(64),
			"attributes " + txt,
			"created_at " + v.timeType() + " NOT NULL",
		}, ", ") + ")",
		create + s.tables.jobs + " (" + strings.Join([]string{
			"id " + id + " PRIMARY KEY",
			"record_id " + id + " NOT NULL REFERENCES " + s.tables.records + "(id)",
			"strategy " + v.stringType(16) + " NOT NULL",
			"interval_ms " + v.intType() + " NOT NULL",
			"last_execution " + v.timeType(),
			"next_execution " + v.timeType() + " NOT NULL",
			"execute_count " + v.intType() + " NOT NULL",
			"max_execute_count " + v.intType() + " DEFAULT 0 NOT NULL",
		}, ", ") + ")",
		create + s.tables.retryRecords + " (" + strings.Join([]string{
			"id " + id + " PRIMARY KEY",
			"record_id " + id,
			"job_id " + id,
			"origin " + v.stringType(32) + " NOT NULL",
			"succeeded " + v.boolType() + " NOT NULL",
			"execute_count " + v.intType() + " NOT NULL",
			"executed_at " + v.timeType() + " NOT NULL",
			"method " + v.stringType(16),
			"url " + txt,
			"request_headers " + txt,
			"request_body " + txt,
			"response_status " + v.intType(),
			"response_headers " + txt,
			"response_body " + txt,
			"error_message " + txt,
		}, ", ") + ")",
	}
}

// Migrate creates the audit tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			// ORA-00955: name is already used by an existing object
			if s.vendor == Oracle && strings.Contains(err.Error(), "ORA-00955") {
				continue
			}
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}
