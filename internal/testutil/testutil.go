// Package testutil provides testing utilities for ticketflow tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// Epoch is the fixed time used by test clocks.
var Epoch = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// Clock returns a function that yields Epoch plus one second per call.
func Clock() func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return Epoch.Add(time.Duration(n) * time.Second)
	}
}

// NewTicket returns a valid UNPROCESSED ticket depending on deps.
func NewTicket(id string, priority ticket.Priority, deps ...string) *ticket.Ticket {
	return &ticket.Ticket{
		ID:           id,
		Title:        "Ticket " + id,
		Kind:         ticket.KindStory,
		Priority:     priority,
		State:        ticket.StateUnprocessed,
		Dependencies: append([]string{}, deps...),
		Children:     []string{},
		CreatedAt:    Epoch,
		UpdatedAt:    Epoch,
	}
}

// GenericTask returns a generic task with one passing step declared.
func GenericTask(id string) ticket.Task {
	return ticket.Task{
		ID:          id,
		Validator:   ticket.ValidatorGeneric,
		Description: "task " + id,
		Status:      ticket.TaskUnprocessed,
		Check: &ticket.Check{Generic: &ticket.GenericCheck{
			Steps: []ticket.VerificationStep{{Name: "check", Check: "true"}},
		}},
	}
}

// SetupTestRepo creates a temporary git repository for testing.
// Returns the path to the repository. The repository is automatically
// cleaned up when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()
	SkipIfNoGit(t)

	dir := t.TempDir()

	if err := runGit(dir, "init"); err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}
	if err := runGit(dir, "config", "user.email", "test@ticketflow.dev"); err != nil {
		t.Fatalf("failed to configure git email: %v", err)
	}
	if err := runGit(dir, "config", "user.name", "Ticketflow Test"); err != nil {
		t.Fatalf("failed to configure git name: %v", err)
	}

	WriteFile(t, dir, "README.md", "# Test Repository\n")
	if err := runGit(dir, "add", "."); err != nil {
		t.Fatalf("failed to stage files: %v", err)
	}
	if err := runGit(dir, "commit", "-m", "Initial commit"); err != nil {
		t.Fatalf("failed to create initial commit: %v", err)
	}

	// Some systems default to master
	if err := runGit(dir, "branch", "-M", "main"); err != nil {
		t.Fatalf("failed to rename branch to main: %v", err)
	}

	return dir
}

// WriteFile creates or replaces a file below dir, creating parents.
func WriteFile(t *testing.T, dir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// GetCommitCount returns the number of commits in the repository.
func GetCommitCount(t *testing.T, repoDir string) int {
	t.Helper()

	out := gitOutput(t, repoDir, "rev-list", "--count", "HEAD")
	count, err := strconv.Atoi(out)
	if err != nil {
		t.Fatalf("failed to parse commit count %q: %v", out, err)
	}
	return count
}

// LastCommitMessage returns the subject of HEAD.
func LastCommitMessage(t *testing.T, repoDir string) string {
	t.Helper()
	return gitOutput(t, repoDir, "log", "-1", "--format=%s")
}

// HasUncommittedChanges returns true if the repository has uncommitted changes.
func HasUncommittedChanges(t *testing.T, repoDir string) bool {
	t.Helper()
	return gitOutput(t, repoDir, "status", "--porcelain") != ""
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("git %s: %v", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(output))
}

// runGit runs a git command in the specified directory.
func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Ticketflow Test",
		"GIT_AUTHOR_EMAIL=test@ticketflow.dev",
		"GIT_COMMITTER_NAME=Ticketflow Test",
		"GIT_COMMITTER_EMAIL=test@ticketflow.dev",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &gitError{args: args, output: output, err: err}
	}
	return nil
}

type gitError struct {
	args   []string
	output []byte
	err    error
}

func (e *gitError) Error() string {
	return "git " + strings.Join(e.args, " ") + ": " + e.err.Error() + "\n" + string(e.output)
}

func (e *gitError) Unwrap() error {
	return e.err
}
