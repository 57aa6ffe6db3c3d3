package config

import (
	"github.com/gaborage/go-reqlog/backoff"
	"github.com/gaborage/go-reqlog/logger"
	"github.com/gaborage/go-reqlog/scope"
)

// Scope builds a fresh scope from the retry defaults. Callers may refine it
// further before entering it.
func (c *Config) Scope() *scope.Scope {
	s := scope.Log()
	if c.Retry.Enabled {
		s = scope.LogWithRetry()
	}
	strategy, err := backoff.Parse(c.Retry.Strategy)
	if err != nil {
		strategy = backoff.Default
	}
	return s.
		WithWaitStrategy(strategy).
		WithRetryInterval(c.Retry.Interval).
		WithMaxExecuteCount(c.Retry.MaxExecuteCount)
}

// Logger builds the zerolog logger, masking the configured extra headers.
func (c *Config) Logger() logger.Logger {
	filter := logger.DefaultFilterConfig()
	filter.SensitiveHeaders = append(filter.SensitiveHeaders, c.Log.SensitiveHeaders...)
	return logger.NewWithFilter(logger.Stdout(c.Log.Pretty), c.Log.Level, filter)
}
