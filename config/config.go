// Package config loads reqlog settings from defaults, an optional YAML file
// and REQLOG_* environment variables, in increasing order of priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is stripped from environment variables; REQLOG_SINK_TYPE sets sink.type.
	EnvPrefix = "REQLOG_"

	// DefaultFile is read by Load when present.
	DefaultFile = "reqlog.yaml"

	// EnvFile overrides DefaultFile.
	EnvFile = EnvPrefix + "CONFIG_FILE"
)

// list-valued keys accept comma separated environment values
var listKeys = map[string]bool{
	"sink.mirror":          true,
	"log.sensitiveheaders": true,
}

// Load reads DefaultFile (or the file named by REQLOG_CONFIG_FILE) over the
// defaults, then applies environment overrides. A missing default file is
// not an error; a missing file named explicitly is.
func Load() (*Config, error) {
	path, explicit := os.LookupEnv(EnvFile)
	if !explicit || path == "" {
		path, explicit = DefaultFile, false
	}

	return load(func(k *koanf.Koanf) error {
		err := k.Load(file.Provider(path), yaml.Parser())
		if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		return nil
	})
}

// LoadFromBytes parses YAML over the defaults, then applies environment
// overrides.
func LoadFromBytes(data []byte) (*Config, error) {
	return load(func(k *koanf.Koanf) error {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to parse yaml: %w", err)
		}
		return nil
	})
}

// Default returns the validated default configuration, ignoring the
// environment.
func Default() *Config {
	k := koanf.New(".")
	_ = loadDefaults(k)
	var cfg Config
	_ = k.Unmarshal("", &cfg)
	cfg.k = k
	return &cfg
}

func load(source func(*koanf.Koanf) error) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := source(k); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.k = k

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// transformEnv maps REQLOG_SINK_SQL_DSN to sink.sql.dsn.
func transformEnv(key, value string) (string, any) {
	key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "_", ".")
	if key == "config.file" {
		return "", nil
	}
	if listKeys[key] {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return key, items
	}
	return key, value
}

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"log.level":  "info",
		"log.pretty": false,

		"retry.enabled":         false,
		"retry.strategy":        "fixed",
		"retry.interval":        "60s",
		"retry.maxexecutecount": 0,

		"sink.type":             SinkLog,
		"sink.sql.maxopenconns": 10,
		"sink.sql.migrate":      false,
		"sink.mongo.database":   "reqlog",
		"sink.mongo.timeout":    "10s",
		"sink.amqp.exchange":    "reqlog",

		"resilience.enabled":          false,
		"resilience.maxattempts":      3,
		"resilience.strategy":         "exponential",
		"resilience.initialdelay":     "100ms",
		"resilience.maxdelay":         "2s",
		"resilience.failurethreshold": 5,
		"resilience.opentimeout":      "30s",
		"resilience.halfopenrequests": 1,

		"client.timeout":    "30s",
		"client.maxretries": 0,
		"client.retrydelay": "1s",
	}

	return k.Load(confmap.Provider(defaults, "."), nil)
}

// String returns a raw value by dotted key, for settings outside Config.
func (c *Config) String(key string) string {
	if c.k == nil {
		return ""
	}
	return c.k.String(key)
}

// Exists reports whether key was set by any source.
func (c *Config) Exists(key string) bool {
	return c.k != nil && c.k.Exists(key)
}
