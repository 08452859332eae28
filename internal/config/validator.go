package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "heartbeat.ping_interval_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// MaxProcessesLimit is the largest registry a segment may be created with.
const MaxProcessesLimit = 4096

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateHeartbeat()...)
	errors = append(errors, c.validateWait()...)
	errors = append(errors, c.validateRegistry()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateHeartbeat() []ValidationError {
	var errors []ValidationError

	if c.Heartbeat.PingIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "heartbeat.ping_interval_ms",
			Value:   c.Heartbeat.PingIntervalMs,
			Message: "must be positive",
		})
	}
	if c.Heartbeat.StaleThresholdMs <= c.Heartbeat.PingIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "heartbeat.stale_threshold_ms",
			Value:   c.Heartbeat.StaleThresholdMs,
			Message: fmt.Sprintf("must be greater than heartbeat.ping_interval_ms (%d)", c.Heartbeat.PingIntervalMs),
		})
	}

	return errors
}

func (c *Config) validateWait() []ValidationError {
	var errors []ValidationError

	if c.Wait.BlockingMessageMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "wait.blocking_message_ms",
			Value:   c.Wait.BlockingMessageMs,
			Message: "must be non-negative (0 disables the warning)",
		})
	}
	if c.Wait.PollIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "wait.poll_interval_ms",
			Value:   c.Wait.PollIntervalMs,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateRegistry() []ValidationError {
	var errors []ValidationError

	if c.Registry.MaxProcesses < 1 || c.Registry.MaxProcesses > MaxProcessesLimit {
		errors = append(errors, ValidationError{
			Field:   "registry.max_processes",
			Value:   c.Registry.MaxProcesses,
			Message: fmt.Sprintf("must be between 1 and %d", MaxProcessesLimit),
		})
	}

	return errors
}

func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError

	if len(c.Retry.DelaysMs) == 0 {
		errors = append(errors, ValidationError{
			Field:   "retry.delays_ms",
			Value:   c.Retry.DelaysMs,
			Message: "must contain at least one attempt",
		})
	}
	for i, d := range c.Retry.DelaysMs {
		if d < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("retry.delays_ms[%d]", i),
				Value:   d,
				Message: "must be non-negative",
			})
		}
	}

	return errors
}

func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError

	if !IsValidCompression(c.Storage.Compression) {
		errors = append(errors, ValidationError{
			Field:   "storage.compression",
			Value:   c.Storage.Compression,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCompressions(), ", ")),
		})
	}
	if c.Storage.ChunkRecords < 0 {
		errors = append(errors, ValidationError{
			Field:   "storage.chunk_records",
			Value:   c.Storage.ChunkRecords,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
