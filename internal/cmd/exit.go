package cmd

import (
	"fmt"

	"github.com/Iron-Ham/ticketflow/internal/errors"
)

// Exit codes
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitWarnings = 2
)

// ExitError carries a non-zero exit code out of a command. Err is nil when
// the command already reported everything it had to say.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitWith returns nil for ExitOK so cobra treats the command as successful.
func exitWith(code int) error {
	if code == ExitOK {
		return nil
	}
	return &ExitError{Code: code}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Message returns the text to print for err, or "" when there is nothing to
// add to what the command already wrote.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return ""
	}
	return err.Error()
}
