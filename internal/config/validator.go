package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "orchestrator.workers")
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

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

const (
	maxWorkers    = 256
	maxRetryLimit = 20
	maxPathLength = 4096
)

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateOrchestrator()...)
	errors = append(errors, c.validateAutoFix()...)
	errors = append(errors, c.validateValidation()...)
	errors = append(errors, c.validatePaths()...)
	errors = append(errors, c.validateCommit()...)
	errors = append(errors, c.validateImplementer()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateOrchestrator() []ValidationError {
	var errors []ValidationError

	if !IsValidMode(c.Orchestrator.Mode) {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.mode",
			Value:   c.Orchestrator.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidModes(), ", ")),
		})
	}

	// 0 means auto-detect
	if c.Orchestrator.Workers < 0 || c.Orchestrator.Workers > maxWorkers {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.workers",
			Value:   c.Orchestrator.Workers,
			Message: fmt.Sprintf("must be between 0 and %d", maxWorkers),
		})
	}

	if c.Orchestrator.MaxRetries < 1 || c.Orchestrator.MaxRetries > maxRetryLimit {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.max_retries",
			Value:   c.Orchestrator.MaxRetries,
			Message: fmt.Sprintf("must be between 1 and %d", maxRetryLimit),
		})
	}

	return errors
}

func (c *Config) validateAutoFix() []ValidationError {
	var errors []ValidationError

	for _, kind := range []string{"generic", "stateflow", "content", "interactive", "integration"} {
		p := c.AutoFix.Policy(kind)
		if p.MaxRetries < 0 || p.MaxRetries > maxRetryLimit {
			errors = append(errors, ValidationError{
				Field:   "autofix." + kind + ".max_retries",
				Value:   p.MaxRetries,
				Message: fmt.Sprintf("must be between 0 and %d (0 inherits orchestrator.max_retries)", maxRetryLimit),
			})
		}
	}

	return errors
}

func (c *Config) validateValidation() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Validation.Shell) == "" {
		errors = append(errors, ValidationError{
			Field:   "validation.shell",
			Value:   c.Validation.Shell,
			Message: "must not be empty",
		})
	}
	if c.Validation.CommandTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "validation.command_timeout_seconds",
			Value:   c.Validation.CommandTimeoutSeconds,
			Message: "must be non-negative",
		})
	}
	if c.Validation.ProbeTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "validation.probe_timeout_seconds",
			Value:   c.Validation.ProbeTimeoutSeconds,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	paths := []struct {
		field    string
		value    string
		required bool
	}{
		{"store.index_path", c.Store.IndexPath, true},
		{"store.annotations_dir", c.Store.AnnotationsDir, false},
		{"checkpoint.dir", c.Checkpoint.Dir, true},
		{"commit.journal_path", c.Commit.JournalPath, false},
		{"logging.dir", c.Logging.Dir, false},
	}
	for _, p := range paths {
		errors = append(errors, validatePath(p.field, p.value, p.required)...)
	}

	if c.Store.ReconcileDebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "store.reconcile_debounce_ms",
			Value:   c.Store.ReconcileDebounceMs,
			Message: "must be non-negative",
		})
	}

	return errors
}

func validatePath(field, path string, required bool) []ValidationError {
	if path == "" {
		if required {
			return []ValidationError{{Field: field, Value: path, Message: "must not be empty"}}
		}
		return nil
	}

	var errors []ValidationError
	if strings.ContainsRune(path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: "path contains invalid null character",
		})
	}
	if len(path) > maxPathLength {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}
	return errors
}

func (c *Config) validateCommit() []ValidationError {
	var errors []ValidationError

	if c.Commit.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "commit.max_attempts",
			Value:   c.Commit.MaxAttempts,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateImplementer() []ValidationError {
	var errors []ValidationError

	if c.Implementer.TimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "implementer.timeout_seconds",
			Value:   c.Implementer.TimeoutSeconds,
			Message: "must be non-negative",
		})
	}
	if c.Implementer.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "implementer.max_attempts",
			Value:   c.Implementer.MaxAttempts,
			Message: "must be at least 1",
		})
	}

	// Without a command only dry-run can do anything useful.
	if c.Implementer.Command == "" && c.Orchestrator.Mode == ModeAuto {
		errors = append(errors, ValidationError{
			Field:   "implementer.command",
			Value:   c.Implementer.Command,
			Message: "is required in auto mode",
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

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
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
