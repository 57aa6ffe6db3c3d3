package config

import (
	"fmt"
	"strings"
)

// Error categories.
const (
	CategoryMissing    = "missing"
	CategoryInvalid    = "invalid"
	CategoryConnection = "connection"
)

// ConfigError is a configuration problem with guidance on fixing it.
// Messages are lowercase.
//
//nolint:revive // ConfigError reads better than config.Error at call sites
type ConfigError struct {
	Category string   // one of the Category* constants
	Field    string   // dotted config path, e.g. "sink.sql.dsn"
	Message  string   // what is wrong
	Action   string   // what to do about it
	Details  []string // extra hints
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, 5)
	if e.Category != "" {
		parts = append(parts, "config_"+e.Category+":")
	}
	for _, p := range []string{e.Field, e.Message, e.Action} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(e.Details) > 0 {
		parts = append(parts, strings.Join(e.Details, "; "))
	}
	return strings.Join(parts, " ")
}

// NewMissingFieldError reports a required field that no source set.
func NewMissingFieldError(field, envVar, yamlPath string) *ConfigError {
	return &ConfigError{
		Category: CategoryMissing,
		Field:    field,
		Message:  "required",
		Action:   fmt.Sprintf("set %s env var or add %s to %s", envVar, yamlPath, DefaultFile),
	}
}

// NewInvalidFieldError reports a value outside validOptions.
func NewInvalidFieldError(field, message string, validOptions []string) *ConfigError {
	err := &ConfigError{Category: CategoryInvalid, Field: field, Message: message}
	if len(validOptions) > 0 {
		err.Action = "must be one of: " + strings.Join(validOptions, ", ")
	}
	return err
}

// NewValidationError reports any other invalid value.
func NewValidationError(field, message string) *ConfigError {
	return &ConfigError{Category: CategoryInvalid, Field: field, Message: message}
}

// NewConnectionError reports a configured backend that could not be reached.
func NewConnectionError(resource, message string, troubleshooting []string) *ConfigError {
	return &ConfigError{
		Category: CategoryConnection,
		Field:    resource,
		Message:  message,
		Details:  troubleshooting,
	}
}
