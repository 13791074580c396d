package validate

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// CommandResult is the outcome of one check command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output returns stdout followed by stderr.
func (r CommandResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

// CommandRunner executes check commands. A non-zero exit is reported through
// CommandResult.ExitCode; the error is reserved for commands that could not
// run at all.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, env []string) (CommandResult, error)
}

// ShellRunner runs commands through a shell.
type ShellRunner struct {
	// Shell is the interpreter and its flag, e.g. ["sh", "-c"].
	Shell   []string
	Timeout time.Duration
}

// NewShellRunner parses a shell spec such as "sh -c".
func NewShellRunner(shell string, timeout time.Duration) *ShellRunner {
	parts := strings.Fields(shell)
	if len(parts) == 0 {
		parts = []string{"sh", "-c"}
	}
	return &ShellRunner{Shell: parts, Timeout: timeout}
}

// Run implements CommandRunner.
func (r *ShellRunner) Run(ctx context.Context, dir, command string, env []string) (CommandResult, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.Shell[1:]...), command)
	cmd := exec.CommandContext(ctx, r.Shell[0], args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() == context.DeadlineExceeded {
		return res, errors.NewTimeoutError("check "+command, r.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %q: %w", command, err)
	}
	return res, nil
}

// Prober checks that an external dependency is reachable.
type Prober interface {
	Probe(ctx context.Context, dep ticket.Dependency) error
}

// NetProber probes http and tcp targets directly and command targets through
// a CommandRunner.
type NetProber struct {
	Timeout time.Duration
	Runner  CommandRunner
	Client  *http.Client
}

// NewNetProber returns a prober with the given per-probe timeout.
func NewNetProber(timeout time.Duration, runner CommandRunner) *NetProber {
	return &NetProber{
		Timeout: timeout,
		Runner:  runner,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober. HTTP targets count as reachable for any status
// below 500.
func (p *NetProber) Probe(ctx context.Context, dep ticket.Dependency) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	switch dep.Kind {
	case "http", "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, dep.Target, nil)
		if err != nil {
			return fmt.Errorf("build request for %s: %w", dep.Name, err)
		}
		resp, err := p.Client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s returned %s", dep.Target, resp.Status)
		}
		return nil
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", dep.Target)
		if err != nil {
			return err
		}
		return conn.Close()
	case "command":
		if p.Runner == nil {
			return fmt.Errorf("no command runner for %s", dep.Name)
		}
		res, err := p.Runner.Run(ctx, "", dep.Target, nil)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%q exited %d", dep.Target, res.ExitCode)
		}
		return nil
	default:
		return fmt.Errorf("unknown dependency kind %q", dep.Kind)
	}
}
