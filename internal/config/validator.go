package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidationErrors listing all
// problems, or nil.
func Validate(cfg *Config) error {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if cfg.Node.Party == "" {
		add("node.party", cfg.Node.Party, "must not be empty")
	}
	if cfg.Node.Workers < 1 {
		add("node.workers", cfg.Node.Workers, "must be at least 1")
	}
	if cfg.Node.MaxSteps < 1 {
		add("node.max_steps", cfg.Node.MaxSteps, "must be at least 1")
	}
	if cfg.Network.RetryAttempts < 1 {
		add("network.retry_attempts", cfg.Network.RetryAttempts, "must be at least 1")
	}
	if cfg.Network.RetryBaseDelay <= 0 {
		add("network.retry_base_delay", cfg.Network.RetryBaseDelay, "must be positive")
	}
	if cfg.Network.RetryMaxDelay < cfg.Network.RetryBaseDelay {
		add("network.retry_max_delay", cfg.Network.RetryMaxDelay, "must not be below retry_base_delay")
	}
	if cfg.Notary.Party == "" {
		add("notary.party", cfg.Notary.Party, "must not be empty")
	}
	if cfg.Notary.Party == cfg.Node.Party && cfg.Node.Party != "" {
		add("notary.party", cfg.Notary.Party, "must differ from node.party")
	}
	if cfg.Revision.MaxRateBps < 0 {
		add("revision.max_rate_bps", cfg.Revision.MaxRateBps, "must not be negative")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.Log.Level) {
		add("log.level", cfg.Log.Level, "must be one of debug, info, warn, error")
	}
	if !slices.Contains([]string{"auto", "text", "json"}, cfg.Log.Format) {
		add("log.format", cfg.Log.Format, "must be one of auto, text, json")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
