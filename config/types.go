package config

import (
	"time"

	"github.com/knadh/koanf/v2"
)

// Sink types.
const (
	SinkLog    = "log"
	SinkMemory = "memory"
	SinkSQL    = "sql"
	SinkMongo  = "mongo"
	SinkAMQP   = "amqp"
)

// Config is the complete reqlog configuration.
type Config struct {
	Log        LogConfig        `koanf:"log" json:"log" yaml:"log"`
	Retry      RetryConfig      `koanf:"retry" json:"retry" yaml:"retry"`
	Sink       SinkConfig       `koanf:"sink" json:"sink" yaml:"sink"`
	Resilience ResilienceConfig `koanf:"resilience" json:"resilience" yaml:"resilience"`
	Client     ClientConfig     `koanf:"client" json:"client" yaml:"client"`

	k *koanf.Koanf
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `koanf:"pretty" json:"pretty" yaml:"pretty"`
	// SensitiveHeaders extends the masked header list.
	SensitiveHeaders []string `koanf:"sensitiveheaders" json:"sensitiveheaders" yaml:"sensitiveheaders"`
}

// RetryConfig holds the defaults of the scope built by Config.Scope.
type RetryConfig struct {
	Enabled         bool          `koanf:"enabled" json:"enabled" yaml:"enabled"`
	Strategy        string        `koanf:"strategy" json:"strategy" yaml:"strategy" validate:"oneof=fixed incremental fibonacci"`
	Interval        time.Duration `koanf:"interval" json:"interval" yaml:"interval" validate:"gt=0"`
	MaxExecuteCount int           `koanf:"maxexecutecount" json:"maxexecutecount" yaml:"maxexecutecount" validate:"gte=0"`
}

// SinkConfig selects where audit records go. Type is the primary sink; Mirror
// lists further sink types written concurrently with it.
type SinkConfig struct {
	Type   string      `koanf:"type" json:"type" yaml:"type" validate:"oneof=log memory sql mongo amqp"`
	Mirror []string    `koanf:"mirror" json:"mirror" yaml:"mirror" validate:"dive,oneof=log memory sql mongo amqp"`
	SQL    SQLConfig   `koanf:"sql" json:"sql" yaml:"sql"`
	Mongo  MongoConfig `koanf:"mongo" json:"mongo" yaml:"mongo"`
	AMQP   AMQPConfig  `koanf:"amqp" json:"amqp" yaml:"amqp"`
}

// Types returns the primary and mirrored sink types without duplicates.
func (s SinkConfig) Types() []string {
	seen := map[string]bool{s.Type: true}
	types := []string{s.Type}
	for _, t := range s.Mirror {
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	return types
}

// Uses reports whether sinkType is the primary or a mirrored sink.
func (s SinkConfig) Uses(sinkType string) bool {
	for _, t := range s.Types() {
		if t == sinkType {
			return true
		}
	}
	return false
}

// SQLConfig configures the database/sql sink.
type SQLConfig struct {
	Vendor       string `koanf:"vendor" json:"vendor" yaml:"vendor"`
	DSN          string `koanf:"dsn" json:"dsn" yaml:"dsn"`
	Host         string `koanf:"host" json:"host" yaml:"host"`
	Port         int    `koanf:"port" json:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Service      string `koanf:"service" json:"service" yaml:"service"`
	Username     string `koanf:"username" json:"username" yaml:"username"`
	Password     string `koanf:"password" json:"-" yaml:"password"`
	TablePrefix  string `koanf:"tableprefix" json:"tableprefix" yaml:"tableprefix"`
	MaxOpenConns int    `koanf:"maxopenconns" json:"maxopenconns" yaml:"maxopenconns" validate:"gte=0"`
	// Migrate creates the tables on startup.
	Migrate bool `koanf:"migrate" json:"migrate" yaml:"migrate"`
}

// MongoConfig configures the MongoDB sink.
type MongoConfig struct {
	URI              string        `koanf:"uri" json:"-" yaml:"uri"`
	Database         string        `koanf:"database" json:"database" yaml:"database"`
	CollectionPrefix string        `koanf:"collectionprefix" json:"collectionprefix" yaml:"collectionprefix"`
	Timeout          time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout" validate:"gte=0"`
}

// AMQPConfig configures the RabbitMQ sink.
type AMQPConfig struct {
	URL           string `koanf:"url" json:"-" yaml:"url"`
	Exchange      string `koanf:"exchange" json:"exchange" yaml:"exchange"`
	RoutingPrefix string `koanf:"routingprefix" json:"routingprefix" yaml:"routingprefix"`
}

// ResilienceConfig wraps the sink in write retries and a circuit breaker.
type ResilienceConfig struct {
	Enabled          bool          `koanf:"enabled" json:"enabled" yaml:"enabled"`
	MaxAttempts      int           `koanf:"maxattempts" json:"maxattempts" yaml:"maxattempts" validate:"gte=1"`
	Strategy         string        `koanf:"strategy" json:"strategy" yaml:"strategy" validate:"oneof=constant exponential fibonacci"`
	InitialDelay     time.Duration `koanf:"initialdelay" json:"initialdelay" yaml:"initialdelay" validate:"gt=0"`
	MaxDelay         time.Duration `koanf:"maxdelay" json:"maxdelay" yaml:"maxdelay" validate:"gtefield=InitialDelay"`
	FailureThreshold uint32        `koanf:"failurethreshold" json:"failurethreshold" yaml:"failurethreshold"`
	OpenTimeout      time.Duration `koanf:"opentimeout" json:"opentimeout" yaml:"opentimeout" validate:"gte=0"`
	HalfOpenRequests uint32        `koanf:"halfopenrequests" json:"halfopenrequests" yaml:"halfopenrequests"`
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	Timeout    time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxRetries int           `koanf:"maxretries" json:"maxretries" yaml:"maxretries" validate:"gte=0,lte=10"`
	RetryDelay time.Duration `koanf:"retrydelay" json:"retrydelay" yaml:"retrydelay" validate:"gte=0"`
}
