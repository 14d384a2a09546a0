package config

import (
	"fmt"
	"strings"

	"github.com/polisai/polis-edge/pkg/domain"
)

// ConfigError reports one invalid field. Suggestions are appended to the
// message so `polis-edge validate` prints them.
type ConfigError struct {
	Field       string
	Value       any
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Field, e.Reason)
	if len(e.Suggestions) > 0 {
		msg += " (" + strings.Join(e.Suggestions, "; ") + ")"
	}
	return msg
}

// Unwrap classifies every ConfigError as domain.ErrConfigInvalid.
func (e *ConfigError) Unwrap() error {
	return domain.ErrConfigInvalid
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// NewConfigMissingError reports a required field left empty.
func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{Field: field, Reason: "required"}
}

// NewConfigValidationError reports a field whose value is rejected.
func NewConfigValidationError(field string, value any, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}
