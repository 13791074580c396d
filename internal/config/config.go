package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete ticketflow configuration
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	AutoFix      AutoFixConfig      `mapstructure:"autofix"`
	Validation   ValidationConfig   `mapstructure:"validation"`
	Store        StoreConfig        `mapstructure:"store"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
	Commit       CommitConfig       `mapstructure:"commit"`
	Implementer  ImplementerConfig  `mapstructure:"implementer"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Issues       IssuesConfig       `mapstructure:"issues"`
}

// Execution modes
const (
	ModeInteractive = "interactive"
	ModeAuto        = "auto"
	ModeDryRun      = "dry-run"
)

// OrchestratorConfig controls how the scheduler selects and drives work
type OrchestratorConfig struct {
	// Mode is one of "interactive", "auto" or "dry-run"
	Mode string `mapstructure:"mode"`
	// Workers is the batch worker budget; 0 means runtime.NumCPU()
	Workers int `mapstructure:"workers"`
	// MaxRetries is the default validation attempt limit per task
	MaxRetries int `mapstructure:"max_retries"`
	// StopOnDeadlock makes a deadlocked run exit 1 instead of 2
	StopOnDeadlock bool `mapstructure:"stop_on_deadlock"`
	// RetryDeferred lets DEFERRED(missing_dependencies) tickets resume once
	// their dependencies complete
	RetryDeferred bool `mapstructure:"retry_deferred"`
}

// KindPolicy is the auto-fix policy for one validator kind
type KindPolicy struct {
	// Enabled turns the auto-fix loop on for this kind
	Enabled bool `mapstructure:"enabled"`
	// MaxRetries overrides orchestrator.max_retries when > 0
	MaxRetries int `mapstructure:"max_retries"`
	// ManualReview marks deferrals of this kind as needing a manual retry
	ManualReview bool `mapstructure:"manual_review"`
}

// AutoFixConfig holds the per-kind auto-fix policies
type AutoFixConfig struct {
	Generic     KindPolicy `mapstructure:"generic"`
	StateFlow   KindPolicy `mapstructure:"stateflow"`
	Content     KindPolicy `mapstructure:"content"`
	Interactive KindPolicy `mapstructure:"interactive"`
	Integration KindPolicy `mapstructure:"integration"`
}

// Policy returns the policy for a validator kind. Unknown kinds get the
// generic policy.
func (a AutoFixConfig) Policy(kind string) KindPolicy {
	switch kind {
	case "stateflow":
		return a.StateFlow
	case "content":
		return a.Content
	case "interactive":
		return a.Interactive
	case "integration":
		return a.Integration
	default:
		return a.Generic
	}
}

// ValidationConfig controls how validator checks run commands
type ValidationConfig struct {
	// Shell runs step commands, e.g. "sh -c"
	Shell string `mapstructure:"shell"`
	// CommandTimeoutSeconds bounds each check command (0 = no limit)
	CommandTimeoutSeconds int `mapstructure:"command_timeout_seconds"`
	// ProbeTimeoutSeconds bounds each integration reachability probe
	ProbeTimeoutSeconds int `mapstructure:"probe_timeout_seconds"`
}

// CommandTimeout returns the command timeout as a time.Duration (0 means disabled)
func (c *ValidationConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// ProbeTimeout returns the probe timeout as a time.Duration
func (c *ValidationConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// StoreConfig locates the canonical ticket index and annotation files
type StoreConfig struct {
	// IndexPath is the canonical JSON ticket index
	IndexPath string `mapstructure:"index_path"`
	// AnnotationsDir holds the per-ticket human-editable YAML files
	AnnotationsDir string `mapstructure:"annotations_dir"`
	// ReconcileDebounceMs is the quiet period before the watcher reconciles
	ReconcileDebounceMs int `mapstructure:"reconcile_debounce_ms"`
}

// ReconcileDebounce returns the watcher debounce as a time.Duration
func (c *StoreConfig) ReconcileDebounce() time.Duration {
	return time.Duration(c.ReconcileDebounceMs) * time.Millisecond
}

// CheckpointConfig controls checkpoint storage
type CheckpointConfig struct {
	// Dir holds one directory per checkpoint plus archive/
	Dir string `mapstructure:"dir"`
}

// CommitConfig controls the commit serializer
type CommitConfig struct {
	// Enabled commits completed tickets through git; disabled uses a no-op VCS
	Enabled bool `mapstructure:"enabled"`
	// JournalPath is the SQLite commit journal
	JournalPath string `mapstructure:"journal_path"`
	// MaxAttempts bounds retries of a single failed commit
	MaxAttempts int `mapstructure:"max_attempts"`
	// Push runs "git push" after each batch once the pre-push point accepts
	Push bool `mapstructure:"push"`
}

// IssuesConfig controls syncing terminal ticket states to issue trackers
type IssuesConfig struct {
	// Enabled closes linked issues on completion and comments on deferral
	Enabled bool `mapstructure:"enabled"`
}

// ImplementerConfig configures the external code-writing command
type ImplementerConfig struct {
	// Command is the executable invoked for implement and fix requests
	Command string `mapstructure:"command"`
	// Args are passed before the request verb ("implement" or "fix")
	Args []string `mapstructure:"args"`
	// TimeoutSeconds bounds a single invocation (0 = no limit)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// MaxAttempts bounds retries when the implementer is unreachable
	MaxAttempts int `mapstructure:"max_attempts"`
}

// Timeout returns the invocation timeout as a time.Duration (0 means disabled)
func (c *ImplementerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is active (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Dir is where ticketflow.log is written
	Dir string `mapstructure:"dir"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum size of a log file before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress zstd-compresses rotated log files
	Compress bool `mapstructure:"compress"`
}

// TelemetryConfig controls OpenTelemetry export
type TelemetryConfig struct {
	// Enabled installs real tracer and meter providers; otherwise noop
	Enabled bool `mapstructure:"enabled"`
	// Stdout exports spans and metrics to stderr in human-readable form
	Stdout bool `mapstructure:"stdout"`
	// ServiceName is the service.name resource attribute
	ServiceName string `mapstructure:"service_name"`
}

// StateDir is the per-project directory holding ticketflow state.
const StateDir = ".ticketflow"

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			Mode:           ModeInteractive,
			Workers:        0, // auto-detect
			MaxRetries:     3,
			StopOnDeadlock: false,
			RetryDeferred:  true,
		},
		AutoFix: AutoFixConfig{
			Generic:     KindPolicy{Enabled: true},
			StateFlow:   KindPolicy{Enabled: true},
			Content:     KindPolicy{Enabled: true},
			Interactive: KindPolicy{Enabled: true},
			// Integration failures usually need a human: one attempt, no fix.
			Integration: KindPolicy{Enabled: false, MaxRetries: 1, ManualReview: true},
		},
		Validation: ValidationConfig{
			Shell:                 "sh -c",
			CommandTimeoutSeconds: 300,
			ProbeTimeoutSeconds:   10,
		},
		Store: StoreConfig{
			IndexPath:           filepath.Join(StateDir, "tickets.json"),
			AnnotationsDir:      filepath.Join(StateDir, "annotations"),
			ReconcileDebounceMs: 250,
		},
		Checkpoint: CheckpointConfig{
			Dir: filepath.Join(StateDir, "checkpoints"),
		},
		Commit: CommitConfig{
			Enabled:     true,
			JournalPath: filepath.Join(StateDir, "commits.db"),
			MaxAttempts: 3,
			Push:        false,
		},
		Implementer: ImplementerConfig{
			Command:        "",
			Args:           []string{},
			TimeoutSeconds: 1800,
			MaxAttempts:    3,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Dir:        filepath.Join(StateDir, "logs"),
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Stdout:      false,
			ServiceName: "ticketflow",
		},
		Issues: IssuesConfig{
			Enabled: false,
		},
	}
}

// DefaultSettings flattens Default into viper keys.
func DefaultSettings() map[string]any {
	defaults := Default()
	s := map[string]any{
		// Orchestrator defaults
		"orchestrator.mode":             defaults.Orchestrator.Mode,
		"orchestrator.workers":          defaults.Orchestrator.Workers,
		"orchestrator.max_retries":      defaults.Orchestrator.MaxRetries,
		"orchestrator.stop_on_deadlock": defaults.Orchestrator.StopOnDeadlock,
		"orchestrator.retry_deferred":   defaults.Orchestrator.RetryDeferred,

		// Validation defaults
		"validation.shell":                   defaults.Validation.Shell,
		"validation.command_timeout_seconds": defaults.Validation.CommandTimeoutSeconds,
		"validation.probe_timeout_seconds":   defaults.Validation.ProbeTimeoutSeconds,

		// Store defaults
		"store.index_path":            defaults.Store.IndexPath,
		"store.annotations_dir":       defaults.Store.AnnotationsDir,
		"store.reconcile_debounce_ms": defaults.Store.ReconcileDebounceMs,

		"checkpoint.dir": defaults.Checkpoint.Dir,

		// Commit defaults
		"commit.enabled":      defaults.Commit.Enabled,
		"commit.journal_path": defaults.Commit.JournalPath,
		"commit.max_attempts": defaults.Commit.MaxAttempts,
		"commit.push":         defaults.Commit.Push,

		// Implementer defaults
		"implementer.command":         defaults.Implementer.Command,
		"implementer.args":            defaults.Implementer.Args,
		"implementer.timeout_seconds": defaults.Implementer.TimeoutSeconds,
		"implementer.max_attempts":    defaults.Implementer.MaxAttempts,

		// Logging defaults
		"logging.enabled":     defaults.Logging.Enabled,
		"logging.dir":         defaults.Logging.Dir,
		"logging.level":       defaults.Logging.Level,
		"logging.max_size_mb": defaults.Logging.MaxSizeMB,
		"logging.max_backups": defaults.Logging.MaxBackups,
		"logging.compress":    defaults.Logging.Compress,

		// Telemetry defaults
		"telemetry.enabled":      defaults.Telemetry.Enabled,
		"telemetry.stdout":       defaults.Telemetry.Stdout,
		"telemetry.service_name": defaults.Telemetry.ServiceName,

		"issues.enabled": defaults.Issues.Enabled,
	}
	for kind, p := range map[string]KindPolicy{
		"generic":     defaults.AutoFix.Generic,
		"stateflow":   defaults.AutoFix.StateFlow,
		"content":     defaults.AutoFix.Content,
		"interactive": defaults.AutoFix.Interactive,
		"integration": defaults.AutoFix.Integration,
	} {
		s["autofix."+kind+".enabled"] = p.Enabled
		s["autofix."+kind+".max_retries"] = p.MaxRetries
		s["autofix."+kind+".manual_review"] = p.ManualReview
	}
	return s
}

// SetDefaults registers default values with viper
func SetDefaults() {
	for key, value := range DefaultSettings() {
		viper.SetDefault(key, value)
	}
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ResolvePath expands a configured path. A leading ~ expands to the user's
// home directory and relative paths are resolved against baseDir.
func ResolvePath(baseDir, path string) string {
	if path == "" {
		return baseDir
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ticketflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return StateDir
	}
	return filepath.Join(home, ".config", "ticketflow")
}

// ConfigFile returns the path to the user-level config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidModes returns the list of valid execution modes
func ValidModes() []string {
	return []string{ModeInteractive, ModeAuto, ModeDryRun}
}

// IsValidMode checks if the given mode is valid
func IsValidMode(mode string) bool {
	for _, valid := range ValidModes() {
		if mode == valid {
			return true
		}
	}
	return false
}
