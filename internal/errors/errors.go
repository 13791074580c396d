// Package errors provides centralized error definitions and error handling utilities
// for ticketflow. It defines the failure taxonomy the orchestrator reasons about,
// error constructors with context wrapping, and classification helpers.
//
// # Error Types
//
// Taxonomy errors describe how a failure must be handled:
//   - ConfigurationError: cyclic dependency or malformed record; fatal, never auto-fixed
//   - ValidationFailure: fixable failure, retried by the auto-fix loop
//   - ExternalBlockerError: a collaborator is unreachable; limited attempts, then deferred
//   - UserRejectionError: an operator rejected the work; immediate defer/rollback
//   - ConflictError: optimistic-write collision; retried with a fresh read
//   - RestoreError: a checkpoint restore could neither complete nor roll back; fatal
//   - GitError: a version-control command failed
//
// Semantic errors represent common lookups:
//   - NotFoundError: resource not found
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewConflictError("T-1", "UNPROCESSED", "IN_PROGRESS")
//	if errors.Is(err, errors.ErrConflict) { ... }
//
//	var cfgErr *errors.ConfigurationError
//	if errors.As(err, &cfgErr) { ... }
//
//	if errors.IsFatal(err) { abort() }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that leave global state at risk.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Store-related sentinel errors
var (
	// ErrNotFound indicates that a ticket, task or checkpoint does not exist.
	ErrNotFound = New("not found")
	// ErrConflict indicates an optimistic-concurrency collision on write.
	ErrConflict = New("concurrent modification")
	// ErrAlreadyExists indicates that a record with the same id already exists.
	ErrAlreadyExists = New("already exists")
)

// Configuration sentinel errors
var (
	// ErrDependencyCycle indicates a circular dependency between tickets.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrUnknownDependency indicates a dependency on a ticket that does not exist.
	ErrUnknownDependency = New("unknown dependency")
	// ErrMalformedRecord indicates a ticket record that fails schema checks.
	ErrMalformedRecord = New("malformed record")
	// ErrUnknownValidator indicates a validator kind with no registered strategy.
	ErrUnknownValidator = New("unknown validator kind")
)

// Execution sentinel errors
var (
	// ErrInvalidTransition indicates a state change not allowed by the state machine.
	ErrInvalidTransition = New("invalid state transition")
	// ErrValidationFailed indicates that a validator reported failure.
	ErrValidationFailed = New("validation failed")
	// ErrRetriesExhausted indicates that the auto-fix loop ran out of attempts.
	ErrRetriesExhausted = New("retries exhausted")
	// ErrExternalBlocker indicates that a collaborator could not be reached.
	ErrExternalBlocker = New("external collaborator unavailable")
	// ErrUserRejected indicates that an operator rejected the work.
	ErrUserRejected = New("rejected by operator")
	// ErrStopped indicates that an operator stopped an interactive loop.
	ErrStopped = New("stopped by operator")
)

// Version control sentinel errors
var (
	// ErrNothingToCommit indicates a commit with no changes to record.
	ErrNothingToCommit = New("nothing to commit")
)

// Checkpoint sentinel errors
var (
	// ErrRestoreFailed indicates a restore that could not be completed or rolled back.
	ErrRestoreFailed = New("checkpoint restore failed")
	// ErrCheckpointArchived indicates an attempt to restore an archived checkpoint.
	ErrCheckpointArchived = New("checkpoint is archived")
	// ErrCheckpointCorrupt indicates a blob whose content hash does not match.
	ErrCheckpointCorrupt = New("checkpoint data corrupted")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// FlowError is the base interface for all ticketflow errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type FlowError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	sentinel   error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.sentinel != nil && target == e.sentinel {
		return true
	}
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Taxonomy Errors
// -----------------------------------------------------------------------------

// ConfigurationError represents a cyclic dependency or malformed record.
// It is surfaced immediately and aborts the run before any execution.
//
// Example:
//
//	err := errors.NewConfigurationError("cycle A -> B -> A", errors.ErrDependencyCycle)
//	err = err.WithTicketID("A")
type ConfigurationError struct {
	baseError
	TicketID string
	Field    string
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(message string, cause error) *ConfigurationError {
	return &ConfigurationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithTicketID adds a ticket ID to the error context.
func (e *ConfigurationError) WithTicketID(id string) *ConfigurationError {
	e.TicketID = id
	return e
}

// WithField adds the offending field name to the error context.
func (e *ConfigurationError) WithField(field string) *ConfigurationError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *ConfigurationError) Error() string {
	var parts []string
	if e.TicketID != "" {
		parts = append(parts, fmt.Sprintf("ticket=%s", e.TicketID))
	}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	return e.format("configuration error", parts)
}

// Is checks if this error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	if _, ok := target.(*ConfigurationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationFailure represents a failed validator run. It is transient from
// the orchestrator's point of view: the auto-fix loop may repair it.
type ValidationFailure struct {
	baseError
	TicketID string
	TaskID   string
	Attempt  int
}

// NewValidationFailure creates a new ValidationFailure.
func NewValidationFailure(message string) *ValidationFailure {
	return &ValidationFailure{
		baseError: baseError{
			message:    message,
			sentinel:   ErrValidationFailed,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithTask adds the ticket and task IDs to the error context.
func (e *ValidationFailure) WithTask(ticketID, taskID string) *ValidationFailure {
	e.TicketID = ticketID
	e.TaskID = taskID
	return e
}

// WithAttempt records the attempt number that failed.
func (e *ValidationFailure) WithAttempt(n int) *ValidationFailure {
	e.Attempt = n
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationFailure) WithCause(cause error) *ValidationFailure {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationFailure) Error() string {
	var parts []string
	if e.TicketID != "" {
		parts = append(parts, fmt.Sprintf("ticket=%s", e.TicketID))
	}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return e.format("validation failure", parts)
}

// Is checks if this error matches the target.
func (e *ValidationFailure) Is(target error) bool {
	if _, ok := target.(*ValidationFailure); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ExternalBlockerError represents a collaborator (Implementer, version
// control, validator check) that could not be reached.
type ExternalBlockerError struct {
	baseError
	Collaborator string
}

// NewExternalBlockerError creates a new ExternalBlockerError.
func NewExternalBlockerError(collaborator string, cause error) *ExternalBlockerError {
	return &ExternalBlockerError{
		baseError: baseError{
			message:    fmt.Sprintf("%s unavailable", collaborator),
			cause:      cause,
			sentinel:   ErrExternalBlocker,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Collaborator: collaborator,
	}
}

// WithRetryable sets whether the error is retryable.
func (e *ExternalBlockerError) WithRetryable(r bool) *ExternalBlockerError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ExternalBlockerError) Error() string {
	return e.format("external blocker", nil)
}

// Is checks if this error matches the target.
func (e *ExternalBlockerError) Is(target error) bool {
	if _, ok := target.(*ExternalBlockerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// UserRejectionError represents an operator rejecting work at a
// confirmation point. It is never retried.
type UserRejectionError struct {
	baseError
	TicketID string
	Point    string
}

// NewUserRejectionError creates a new UserRejectionError.
func NewUserRejectionError(ticketID, point string) *UserRejectionError {
	return &UserRejectionError{
		baseError: baseError{
			message:    "work rejected",
			sentinel:   ErrUserRejected,
			severity:   SeverityInfo,
			retryable:  false,
			userFacing: true,
		},
		TicketID: ticketID,
		Point:    point,
	}
}

// Error returns the formatted error message.
func (e *UserRejectionError) Error() string {
	var parts []string
	if e.TicketID != "" {
		parts = append(parts, fmt.Sprintf("ticket=%s", e.TicketID))
	}
	if e.Point != "" {
		parts = append(parts, fmt.Sprintf("point=%s", e.Point))
	}
	return e.format("user rejection", parts)
}

// Is checks if this error matches the target.
func (e *UserRejectionError) Is(target error) bool {
	if _, ok := target.(*UserRejectionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ConflictError represents an optimistic-concurrency collision: the stored
// state did not match the state the writer expected.
//
// Example:
//
//	err := errors.NewConflictError("T-1", "UNPROCESSED", "IN_PROGRESS")
//	fmt.Println(err) // "conflict [ticket=T-1, expected=UNPROCESSED, actual=IN_PROGRESS]: concurrent modification"
type ConflictError struct {
	baseError
	TicketID string
	Expected string
	Actual   string
}

// NewConflictError creates a new ConflictError.
func NewConflictError(ticketID, expected, actual string) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message:    ErrConflict.Error(),
			sentinel:   ErrConflict,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: false,
		},
		TicketID: ticketID,
		Expected: expected,
		Actual:   actual,
	}
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	expected := e.Expected
	if expected == "" {
		expected = "<absent>"
	}
	actual := e.Actual
	if actual == "" {
		actual = "<absent>"
	}
	parts := []string{
		fmt.Sprintf("ticket=%s", e.TicketID),
		fmt.Sprintf("expected=%s", expected),
		fmt.Sprintf("actual=%s", actual),
	}
	return e.format("conflict", parts)
}

// Is checks if this error matches the target.
func (e *ConflictError) Is(target error) bool {
	if _, ok := target.(*ConflictError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RestoreError represents a checkpoint restore that failed part way and could
// not be rolled back. Global state may be inconsistent, so it is fatal.
type RestoreError struct {
	baseError
	CheckpointID string
	Stage        string
}

// NewRestoreError creates a new RestoreError.
func NewRestoreError(checkpointID, stage string, cause error) *RestoreError {
	return &RestoreError{
		baseError: baseError{
			message:    "restore did not complete",
			cause:      cause,
			sentinel:   ErrRestoreFailed,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: true,
		},
		CheckpointID: checkpointID,
		Stage:        stage,
	}
}

// Error returns the formatted error message.
func (e *RestoreError) Error() string {
	parts := []string{fmt.Sprintf("checkpoint=%s", e.CheckpointID)}
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	return e.format("restore error", parts)
}

// Is checks if this error matches the target.
func (e *RestoreError) Is(target error) bool {
	if _, ok := target.(*RestoreError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Collaborator Errors
// -----------------------------------------------------------------------------

// GitError represents a failed git invocation by the version-control
// collaborator.
//
// Example:
//
//	err := errors.NewGitError("failed to commit", cause).WithRepository("/repo")
type GitError struct {
	baseError
	Repository string
	Output     string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithRepository adds the repository path.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds the command output, trimmed.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.Output = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}
	msg := e.format("git error", parts)
	if e.Output != "" {
		msg += " (" + e.Output + ")"
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("ticket", "T-9")
//	fmt.Println(err) // "ticket 'T-9' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			sentinel:   ErrNotFound,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			sentinel:   ErrTimeout,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing FlowError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout or ErrConflict
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var flowErr FlowError
	if As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrConflict)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var flowErr FlowError
	if As(err, &flowErr) {
		return flowErr.IsUserFacing()
	}
	return false
}

// IsFatal reports whether err must abort the whole run. Only configuration
// errors and failed checkpoint restores qualify; every other failure is local
// to one ticket or task.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigurationError
	var restoreErr *RestoreError
	return As(err, &cfgErr) || As(err, &restoreErr)
}

// Defer categories recorded on deferred tickets and tasks.
const (
	CategoryMissingDependencies   = "missing_dependencies"
	CategoryPersistentTestFailure = "persistent_test_failure"
	CategoryValidationScriptError = "validation_script_error"
	CategoryExternalBlocker       = "external_blocker"
	CategoryUserRejected          = "user_rejected"
)

// DeferCategory maps a failure to the defer category recorded when it parks
// a ticket or task. Errors outside the taxonomy count as script errors.
func DeferCategory(err error) string {
	var (
		rejection *UserRejectionError
		blocker   *ExternalBlockerError
		failure   *ValidationFailure
	)
	switch {
	case err == nil:
		return ""
	case As(err, &rejection), Is(err, ErrUserRejected):
		return CategoryUserRejected
	case As(err, &blocker), Is(err, ErrExternalBlocker), Is(err, ErrTimeout):
		return CategoryExternalBlocker
	case As(err, &failure), Is(err, ErrRetriesExhausted):
		return CategoryPersistentTestFailure
	default:
		return CategoryValidationScriptError
	}
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement FlowError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var flowErr FlowError
	if As(err, &flowErr) {
		return flowErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to load index")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
