package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is the sentinel all configuration errors unwrap to.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error on field '%s': %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// NewConfigError creates a new configuration error.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}
