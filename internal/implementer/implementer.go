// Package implementer talks to the external code-writing collaborator.
//
// The engine never writes code itself. It hands an [Implementer] a request
// describing the work (and, for fixes, the validation diagnostic) and gets
// back the files that changed. [Command] runs a configured executable with
// the request as JSON on stdin.
package implementer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/logging"
)

// ExitTempFail is the exit status (EX_TEMPFAIL) a command uses to report
// that it is temporarily unable to work.
const ExitTempFail = 75

// waitDelay bounds how long output pipes may stay open after the command
// is killed.
const waitDelay = 2 * time.Second

// Request describes one unit of work.
type Request struct {
	TicketID    string   `json:"ticket_id"`
	Title       string   `json:"title"`
	TaskID      string   `json:"task_id,omitempty"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// FixRequest asks for a repair after a failed validation.
type FixRequest struct {
	Request
	Attempt    int      `json:"attempt"`
	Diagnostic string   `json:"diagnostic"`
	Hints      []string `json:"hints,omitempty"`
}

// Result is what the Implementer reports back.
type Result struct {
	FilesChanged []string `json:"files_changed"`
	// Commit is set when the Implementer committed its own change.
	Commit string `json:"commit,omitempty"`
}

// Implementer is the code-writing capability: work in, changed files out.
type Implementer interface {
	Implement(ctx context.Context, req Request) (Result, error)
	Fix(ctx context.Context, req FixRequest) (Result, error)
}

// Command runs an external executable once per request.
//
// Protocol:
//   - the verb ("implement" or "fix") is appended to Args
//   - the request JSON is passed on stdin
//   - exit 0: stdout holds the Result JSON (empty stdout means no files)
//   - exit 75: temporarily unavailable, reported as an external blocker
//   - any other exit: the request failed
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Timeout time.Duration
	logger  *logging.Logger
}

// Option configures a Command.
type Option func(*Command)

// WithLogger sets the logger for invocations.
func WithLogger(l *logging.Logger) Option {
	return func(c *Command) {
		c.logger = l
	}
}

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option {
	return func(c *Command) {
		c.Timeout = d
	}
}

// NewCommand creates a Command that runs path with args in dir.
func NewCommand(path string, args []string, dir string, opts ...Option) *Command {
	c := &Command{
		Path:   path,
		Args:   append([]string(nil), args...),
		Dir:    dir,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Implement implements Implementer.
func (c *Command) Implement(ctx context.Context, req Request) (Result, error) {
	return c.invoke(ctx, "implement", req.TicketID, req)
}

// Fix implements Implementer.
func (c *Command) Fix(ctx context.Context, req FixRequest) (Result, error) {
	return c.invoke(ctx, "fix", req.TicketID, req)
}

func (c *Command) invoke(ctx context.Context, verb, ticketID string, payload any) (Result, error) {
	if c.Path == "" {
		return Result{}, errors.NewConfigurationError("implementer.command is not set", nil).
			WithField("implementer.command")
	}

	input, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal %s request: %w", verb, err)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), c.Args...), verb)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err = cmd.Run()
	c.logger.Debug("implementer invoked",
		"verb", verb,
		"ticket_id", ticketID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, errors.NewTimeoutError("implementer "+verb, c.Timeout).WithCause(err)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Could not launch at all.
			return Result{}, errors.NewExternalBlockerError("implementer", err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		cause := fmt.Errorf("exit %d: %s", exitErr.ExitCode(), msg)
		if exitErr.ExitCode() == ExitTempFail {
			return Result{}, errors.NewExternalBlockerError("implementer", cause)
		}
		return Result{}, fmt.Errorf("implementer %s failed: %w", verb, cause)
	}

	return ParseResult(stdout.Bytes())
}

// ParseResult decodes the Result JSON printed by an implementer. Empty
// output means nothing changed. File paths are cleaned, de-duplicated and
// sorted.
func ParseResult(out []byte) (Result, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return Result{}, nil
	}
	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		return Result{}, fmt.Errorf("implementer printed invalid result: %w", err)
	}
	res.FilesChanged = normalizeFiles(res.FilesChanged)
	return res, nil
}

func normalizeFiles(files []string) []string {
	seen := make(map[string]bool, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
