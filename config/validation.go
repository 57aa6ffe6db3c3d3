package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// sqlVendors maps accepted vendor names to the canonical one.
var sqlVendors = map[string]string{
	"postgresql": "postgresql",
	"postgres":   "postgresql",
	"pg":         "postgresql",
	"oracle":     "oracle",
	"sqlite":     "sqlite",
	"sqlite3":    "sqlite",
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// report koanf paths instead of Go field names
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
			return name
		})
	})
	return validate
}

// Validate checks field constraints, then the settings each configured sink
// needs. The first problem is returned as a *ConfigError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return NewValidationError("config", "is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		return fromValidator(err)
	}
	for _, sinkType := range cfg.Sink.Types() {
		if err := validateSink(sinkType, &cfg.Sink); err != nil {
			return err
		}
	}
	return nil
}

func validateSink(sinkType string, s *SinkConfig) error {
	switch sinkType {
	case SinkSQL:
		vendor, ok := sqlVendors[strings.ToLower(strings.TrimSpace(s.SQL.Vendor))]
		if !ok {
			return NewInvalidFieldError("sink.sql.vendor", fmt.Sprintf("unknown vendor %q", s.SQL.Vendor),
				[]string{"postgresql", "oracle", "sqlite"})
		}
		// Oracle can build its URL from host, port and service
		if s.SQL.DSN == "" && (vendor != "oracle" || s.SQL.Host == "") {
			return NewMissingFieldError("sink.sql.dsn", EnvPrefix+"SINK_SQL_DSN", "sink.sql.dsn")
		}
	case SinkMongo:
		if s.Mongo.URI == "" {
			return NewMissingFieldError("sink.mongo.uri", EnvPrefix+"SINK_MONGO_URI", "sink.mongo.uri")
		}
		if s.Mongo.Database == "" {
			return NewMissingFieldError("sink.mongo.database", EnvPrefix+"SINK_MONGO_DATABASE", "sink.mongo.database")
		}
	case SinkAMQP:
		if s.AMQP.URL == "" {
			return NewMissingFieldError("sink.amqp.url", EnvPrefix+"SINK_AMQP_URL", "sink.amqp.url")
		}
	}
	return nil
}

// fromValidator converts the first validator failure.
func fromValidator(err error) error {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) || len(invalid) == 0 {
		return NewValidationError("config", err.Error())
	}
	fe := invalid[0]
	field := koanfPath(fe.Namespace())

	switch fe.Tag() {
	case "oneof":
		return NewInvalidFieldError(field, fmt.Sprintf("invalid value %q", fmt.Sprint(fe.Value())), strings.Fields(fe.Param()))
	case "gt", "gte", "lte":
		return NewValidationError(field, fmt.Sprintf("must be %s %s", comparison(fe.Tag()), fe.Param()))
	case "gtefield":
		return NewValidationError(field, fmt.Sprintf("must not be less than %s", strings.ToLower(fe.Param())))
	default:
		return NewValidationError(field, fmt.Sprintf("failed %q check", fe.Tag()))
	}
}

// koanfPath turns "Config.sink.mirror[0]" into "sink.mirror[0]".
func koanfPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}

func comparison(tag string) string {
	switch tag {
	case "gt":
		return ">"
	case "gte":
		return ">="
	default:
		return "<="
	}
}
