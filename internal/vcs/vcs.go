// Package vcs provides the version-control collaborator.
//
// [Git] drives the git CLI through a [CommandExecutor] so tests can script
// command output. [Nop] records nothing and is used for dry runs.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/Iron-Ham/ticketflow/internal/errors"
)

// VersionControl is the shared history changes are committed to.
type VersionControl interface {
	// Commit records files as one change and returns its commit id. It
	// returns errors.ErrNothingToCommit when files is empty or unchanged.
	Commit(ctx context.Context, files []string, message string) (string, error)
	// Diff returns the uncommitted diff of the working tree.
	Diff(ctx context.Context) (string, error)
	// CurrentBranch returns the checked-out branch.
	CurrentBranch(ctx context.Context) (string, error)
}

// Pusher publishes committed history to a remote. It is optional; callers
// check for it with a type assertion.
type Pusher interface {
	Push(ctx context.Context) error
}

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Git implements VersionControl with git CLI commands.
type Git struct {
	repoDir  string
	executor CommandExecutor
}

// NewGit returns a Git collaborator for repoDir.
func NewGit(repoDir string) *Git {
	return &Git{repoDir: repoDir, executor: CLICommandExecutor{}}
}

// NewGitWithExecutor returns a Git collaborator with a custom executor.
func NewGitWithExecutor(repoDir string, executor CommandExecutor) *Git {
	return &Git{repoDir: repoDir, executor: executor}
}

// Commit stages exactly files and commits only those paths, leaving
// anything else in the index alone. With no files, or none that changed, it
// returns errors.ErrNothingToCommit and HEAD does not move.
func (g *Git) Commit(ctx context.Context, files []string, message string) (string, error) {
	if len(files) == 0 {
		return "", errors.ErrNothingToCommit
	}
	args := append([]string{"add", "-A", "--"}, files...)
	if output, err := g.executor.Run(ctx, g.repoDir, "git", args...); err != nil {
		return "", errors.NewGitError("failed to stage changes", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}

	args = append([]string{"commit", "-m", message, "--"}, files...)
	output, err := g.executor.Run(ctx, g.repoDir, "git", args...)
	if err != nil && nothingToCommit(string(output)) {
		return "", errors.ErrNothingToCommit
	}
	if err != nil {
		return "", errors.NewGitError("failed to commit changes", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}

	output, err = g.executor.Run(ctx, g.repoDir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to resolve HEAD", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

func nothingToCommit(output string) bool {
	for _, s := range []string{"nothing to commit", "nothing added to commit", "no changes added to commit"} {
		if strings.Contains(output, s) {
			return true
		}
	}
	return false
}

// Diff implements VersionControl.
func (g *Git) Diff(ctx context.Context) (string, error) {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "diff", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to get diff", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return string(output), nil
}

// CurrentBranch implements VersionControl.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to get branch", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// Push pushes the current branch to its upstream.
func (g *Git) Push(ctx context.Context) error {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "push")
	if err != nil {
		return errors.NewGitError("failed to push", err).
			WithRepository(g.repoDir).
			WithGitOutput(string(output))
	}
	return nil
}

// Nop is a VersionControl that commits nothing. Commit ids are synthetic and
// sequential so callers can still tell commits apart.
type Nop struct {
	mu   sync.Mutex
	seq  int
	Log  []string
	Head string
}

// Commit implements VersionControl.
func (n *Nop) Commit(_ context.Context, files []string, message string) (string, error) {
	if len(files) == 0 {
		return "", errors.ErrNothingToCommit
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	n.Log = append(n.Log, message)
	return fmt.Sprintf("dry-run-%d", n.seq), nil
}

// Diff implements VersionControl.
func (n *Nop) Diff(context.Context) (string, error) {
	return "", nil
}

// CurrentBranch implements VersionControl.
func (n *Nop) CurrentBranch(context.Context) (string, error) {
	if n.Head == "" {
		return "HEAD", nil
	}
	return n.Head, nil
}
