package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/audit/amqpstore"
	"github.com/gaborage/go-reqlog/audit/fanout"
	"github.com/gaborage/go-reqlog/audit/logsink"
	"github.com/gaborage/go-reqlog/audit/memory"
	"github.com/gaborage/go-reqlog/audit/mongostore"
	"github.com/gaborage/go-reqlog/audit/resilient"
	"github.com/gaborage/go-reqlog/audit/sqlstore"
	"github.com/gaborage/go-reqlog/config"
	"github.com/gaborage/go-reqlog/logger"
)

// closer releases a backend opened for a sink.
type closer func(ctx context.Context) error

// Backend openers, replaced in tests.
var (
	openSQL = func(cfg *sqlstore.Config, log logger.Logger) (*sqlstore.Store, error) {
		return sqlstore.Open(cfg, log)
	}
	openMongo = func(ctx context.Context, cfg *mongostore.Config) (*mongostore.Store, error) {
		return mongostore.Open(ctx, cfg)
	}
	newPublisher = func(url, exchange string, log logger.Logger) (amqpstore.Publisher, closer) {
		c := amqpstore.NewClient(url, exchange, log)
		return c, func(context.Context) error { return c.Close() }
	}
)

// buildSink opens every configured sink type, wraps each in the resilience
// decorator when enabled and fans out when more than one is configured. On
// failure the backends opened so far are closed.
func buildSink(ctx context.Context, cfg *config.Config, log logger.Logger) (audit.Sink, []closer, error) {
	var (
		closers []closer
		built   = make([]audit.Sink, 0, len(cfg.Sink.Types()))
	)
	for _, sinkType := range cfg.Sink.Types() {
		s, c, err := openSink(ctx, sinkType, cfg, log)
		if err != nil {
			return nil, nil, errors.Join(err, closeAll(ctx, closers))
		}
		if c != nil {
			closers = append(closers, c)
		}
		if cfg.Resilience.Enabled && sinkType != config.SinkMemory {
			s = resilient.New(s, resilienceSettings(cfg, sinkType), log)
		}
		built = append(built, s)
	}

	if len(built) == 1 {
		return built[0], closers, nil
	}
	fan := fanout.New()
	for i, sinkType := range cfg.Sink.Types() {
		fan.Add(sinkType, built[i])
	}
	return fan, closers, nil
}

func openSink(ctx context.Context, sinkType string, cfg *config.Config, log logger.Logger) (audit.Sink, closer, error) {
	s := cfg.Sink
	switch sinkType {
	case config.SinkMemory:
		return memory.New(), nil, nil

	case config.SinkLog:
		var filter logsink.HeaderFilter
		if zl, ok := log.(*logger.ZeroLogger); ok {
			filter = zl.Filter()
		}
		return logsink.New(log, filter), nil, nil

	case config.SinkSQL:
		vendor, err := sqlstore.ParseVendor(s.SQL.Vendor)
		if err != nil {
			return nil, nil, config.NewInvalidFieldError("sink.sql.vendor", err.Error(), nil)
		}
		store, err := openSQL(&sqlstore.Config{
			Vendor:       vendor,
			DSN:          s.SQL.DSN,
			Host:         s.SQL.Host,
			Port:         s.SQL.Port,
			Service:      s.SQL.Service,
			Username:     s.SQL.Username,
			Password:     s.SQL.Password,
			TablePrefix:  s.SQL.TablePrefix,
			MaxOpenConns: s.SQL.MaxOpenConns,
		}, log)
		if err != nil {
			return nil, nil, config.NewConnectionError("sink.sql", err.Error(), []string{"check sink.sql.dsn", "check the database is reachable"})
		}
		closeStore := func(context.Context) error { return store.Close() }
		if s.SQL.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, nil, errors.Join(fmt.Errorf("migrate audit tables: %w", err), store.Close())
			}
		}
		return store, closeStore, nil

	case config.SinkMongo:
		store, err := openMongo(ctx, &mongostore.Config{
			URI:              s.Mongo.URI,
			Database:         s.Mongo.Database,
			CollectionPrefix: s.Mongo.CollectionPrefix,
			Timeout:          s.Mongo.Timeout,
		})
		if err != nil {
			return nil, nil, config.NewConnectionError("sink.mongo", err.Error(), []string{"check sink.mongo.uri", "check the server is reachable"})
		}
		return store, store.Close, nil

	case config.SinkAMQP:
		pub, closePub := newPublisher(s.AMQP.URL, s.AMQP.Exchange, log)
		return amqpstore.NewSink(pub, amqpstore.SinkConfig{
			Exchange:      s.AMQP.Exchange,
			RoutingPrefix: s.AMQP.RoutingPrefix,
		}), closePub, nil
	}
	return nil, nil, config.NewInvalidFieldError("sink.type", fmt.Sprintf("unknown sink %q", sinkType), nil)
}

func resilienceSettings(cfg *config.Config, name string) resilient.Config {
	r := cfg.Resilience
	return resilient.Config{
		Name:             name,
		MaxAttempts:      r.MaxAttempts,
		Strategy:         r.Strategy,
		InitialDelay:     r.InitialDelay,
		MaxDelay:         r.MaxDelay,
		FailureThreshold: r.FailureThreshold,
		OpenTimeout:      r.OpenTimeout,
		HalfOpenRequests: r.HalfOpenRequests,
	}
}

// closeAll runs closers in reverse order.
func closeAll(ctx context.Context, closers []closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
