package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	go_ora "github.com/sijms/go-ora/v2"
	_ "modernc.org/sqlite"
)

// Vendor identifies the SQL database behind a Store.
type Vendor string

const (
	PostgreSQL Vendor = "postgresql"
	Oracle     Vendor = "oracle"
	SQLite     Vendor = "sqlite"
)

// ParseVendor accepts the vendor names used in configuration.
func ParseVendor(name string) (Vendor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgresql", "postgres", "pg":
		return PostgreSQL, nil
	case "oracle":
		return Oracle, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("sqlstore: unsupported vendor %q", name)
	}
}

func (v Vendor) placeholder() squirrel.PlaceholderFormat {
	switch v {
	case PostgreSQL:
		// $1, $2, ...
		return squirrel.Dollar
	case Oracle:
		// :1, :2, ...
		return squirrel.Colon
	default:
		return squirrel.Question
	}
}

func (v Vendor) textType() string {
	switch v {
	case Oracle:
		return "CLOB"
	default:
		return "TEXT"
	}
}

func (v Vendor) stringType(n int) string {
	switch v {
	case Oracle:
		return fmt.Sprintf("VARCHAR2(%d)", n)
	default:
		return fmt.Sprintf("VARCHAR(%d)", n)
	}
}

func (v Vendor) intType() string {
	switch v {
	case Oracle:
		return "NUMBER(19)"
	default:
		return "BIGINT"
	}
}

func (v Vendor) boolType() string {
	switch v {
	case Oracle:
		return "NUMBER(1)"
	case PostgreSQL:
		return "BOOLEAN"
	default:
		return "INTEGER"
	}
}

func (v Vendor) boolValue(b bool) any {
	if v == PostgreSQL {
		return b
	}
	if b {
		return 1
	}
	return 0
}

func (v Vendor) timeType() string {
	switch v {
	case PostgreSQL:
		return "TIMESTAMPTZ"
	default:
		return "TIMESTAMP"
	}
}

// Config selects and addresses the database.
type Config struct {
	Vendor Vendor
	// DSN is passed to the driver as is. When empty on Oracle, a URL is built
	// from Host, Port, Service, Username and Password.
	DSN         string
	Host        string
	Port        int
	Service     string
	Username    string
	Password    string
	TablePrefix string
	// MaxOpenConns is forced to 1 on SQLite.
	MaxOpenConns int
}

var (
	openPostgresDB = func(cfg *pgx.ConnConfig) *sql.DB {
		return stdlib.OpenDB(*cfg)
	}
	openOracleDB = func(dsn string) (*sql.DB, error) {
		return sql.Open("oracle", dsn)
	}
	openSQLiteDB = func(dsn string) (*sql.DB, error) {
		return sql.Open("sqlite", dsn)
	}
)

func openDB(cfg *Config) (*sql.DB, error) {
	switch cfg.Vendor {
	case PostgreSQL:
		pgCfg, err := pgx.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: parse postgresql dsn: %w", err)
		}
		db := openPostgresDB(pgCfg)
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		return db, nil
	case Oracle:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = go_ora.BuildUrl(cfg.Host, cfg.Port, cfg.Service, cfg.Username, cfg.Password, nil)
		}
		db, err := openOracleDB(dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open oracle: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		return db, nil
	case SQLite:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("sqlstore: empty sqlite path")
		}
		db, err := openSQLiteDB(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported vendor %q", cfg.Vendor)
	}
}
