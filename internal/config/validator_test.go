package config

import (
	"strings"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "orchestrator.workers",
		Value:   -1,
		Message: "must be between 0 and 256",
	}

	expected := "orchestrator.workers: must be between 0 and 256 (got: -1)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("default config should be valid, got %v", ValidationErrors(errs))
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad mode", func(c *Config) { c.Orchestrator.Mode = "batch" }, "orchestrator.mode"},
		{"negative workers", func(c *Config) { c.Orchestrator.Workers = -2 }, "orchestrator.workers"},
		{"too many workers", func(c *Config) { c.Orchestrator.Workers = 1000 }, "orchestrator.workers"},
		{"zero retries", func(c *Config) { c.Orchestrator.MaxRetries = 0 }, "orchestrator.max_retries"},
		{"negative kind retries", func(c *Config) { c.AutoFix.Content.MaxRetries = -1 }, "autofix.content.max_retries"},
		{"empty shell", func(c *Config) { c.Validation.Shell = " " }, "validation.shell"},
		{"zero probe timeout", func(c *Config) { c.Validation.ProbeTimeoutSeconds = 0 }, "validation.probe_timeout_seconds"},
		{"empty index path", func(c *Config) { c.Store.IndexPath = "" }, "store.index_path"},
		{"null byte in checkpoint dir", func(c *Config) { c.Checkpoint.Dir = "cp\x00" }, "checkpoint.dir"},
		{"long log dir", func(c *Config) { c.Logging.Dir = strings.Repeat("a", 5000) }, "logging.dir"},
		{"zero commit attempts", func(c *Config) { c.Commit.MaxAttempts = 0 }, "commit.max_attempts"},
		{"auto without implementer", func(c *Config) { c.Orchestrator.Mode = ModeAuto }, "implementer.command"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"zero log size", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			errs := cfg.Validate()
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected a validation error for %s, got %v", tt.field, errs)
			}
		})
	}
}

func TestConfig_Validate_UppercaseLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "DEBUG"
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("uppercase level should be accepted, got %v", errs)
	}
}
