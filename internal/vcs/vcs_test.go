package vcs

import (
	"context"
	"errors"
	"strings"
	"testing"

	tferrors "github.com/Iron-Ham/ticketflow/internal/errors"
)

type mockCall struct {
	dir  string
	args []string
}

// mockExecutor replays canned responses in call order.
type mockExecutor struct {
	calls   []mockCall
	outputs [][]byte
	errs    []error
}

func (m *mockExecutor) addResponse(output string, err error) {
	m.outputs = append(m.outputs, []byte(output))
	m.errs = append(m.errs, err)
}

func (m *mockExecutor) Run(_ context.Context, dir string, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, mockCall{dir: dir, args: append([]string{name}, args...)})
	idx := len(m.calls) - 1
	if idx < len(m.outputs) {
		return m.outputs[idx], m.errs[idx]
	}
	return nil, nil
}

func TestGit_Commit(t *testing.T) {
	tests := []struct {
		name      string
		files     []string
		setup     func(*mockExecutor)
		wantID    string
		wantErr   bool
		wantEmpty bool
		calls     []string
	}{
		{
			name:  "stages files then commits only them",
			files: []string{"a.go", "b.go"},
			setup: func(m *mockExecutor) {
				m.addResponse("", nil)
				m.addResponse("[main abc] msg", nil)
				m.addResponse("abc123\n", nil)
			},
			wantID: "abc123",
			calls:  []string{"git add -A -- a.go b.go", "git commit -m T-1: title -- a.go b.go", "git rev-parse HEAD"},
		},
		{
			name:      "unchanged files do not resolve the previous HEAD",
			files:     []string{"a.go"},
			wantEmpty: true,
			setup: func(m *mockExecutor) {
				m.addResponse("", nil)
				m.addResponse("nothing to commit, working tree clean", errors.New("exit status 1"))
			},
			calls: []string{"git add -A -- a.go", "git commit -m T-1: title -- a.go"},
		},
		{
			name:      "no files runs no git command",
			setup:     func(*mockExecutor) {},
			wantEmpty: true,
		},
		{
			name:  "stage failure",
			files: []string{"a.go"},
			setup: func(m *mockExecutor) {
				m.addResponse("fatal: pathspec", errors.New("exit status 128"))
			},
			wantErr: true,
			calls:   []string{"git add -A -- a.go"},
		},
		{
			name:  "commit failure",
			files: []string{"a.go"},
			setup: func(m *mockExecutor) {
				m.addResponse("", nil)
				m.addResponse("hook rejected", errors.New("exit status 1"))
			},
			wantErr: true,
			calls:   []string{"git add -A -- a.go", "git commit -m T-1: title -- a.go"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockExecutor{}
			tt.setup(m)
			g := NewGitWithExecutor("/repo", m)

			id, err := g.Commit(context.Background(), tt.files, "T-1: title")
			switch {
			case tt.wantEmpty:
				if !errors.Is(err, tferrors.ErrNothingToCommit) {
					t.Fatalf("Commit() error = %v, want ErrNothingToCommit", err)
				}
			case (err != nil) != tt.wantErr:
				t.Fatalf("Commit() error = %v, wantErr %v", err, tt.wantErr)
			case err != nil:
				var gitErr *tferrors.GitError
				if !errors.As(err, &gitErr) || gitErr.Repository != "/repo" {
					t.Errorf("error should be a GitError for /repo: %v", err)
				}
			}
			if id != tt.wantID {
				t.Errorf("Commit() = %q, want %q", id, tt.wantID)
			}
			var got []string
			for _, c := range m.calls {
				if c.dir != "/repo" {
					t.Errorf("command ran in %q", c.dir)
				}
				got = append(got, strings.Join(c.args, " "))
			}
			if strings.Join(got, "|") != strings.Join(tt.calls, "|") {
				t.Errorf("calls = %q, want %q", got, tt.calls)
			}
		})
	}
}

func TestGit_DiffAndBranch(t *testing.T) {
	m := &mockExecutor{}
	m.addResponse("diff --git a/x b/x\n", nil)
	m.addResponse("feature/t-1\n", nil)
	m.addResponse("", errors.New("not a repo"))
	g := NewGitWithExecutor("/repo", m)

	diff, err := g.Diff(context.Background())
	if err != nil || !strings.HasPrefix(diff, "diff --git") {
		t.Errorf("Diff() = %q, %v", diff, err)
	}
	branch, err := g.CurrentBranch(context.Background())
	if err != nil || branch != "feature/t-1" {
		t.Errorf("CurrentBranch() = %q, %v", branch, err)
	}
	if _, err := g.CurrentBranch(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestNop(t *testing.T) {
	n := &Nop{}
	files := []string{"a.go"}
	a, _ := n.Commit(context.Background(), files, "one")
	b, _ := n.Commit(context.Background(), files, "two")
	if a == b || len(n.Log) != 2 {
		t.Errorf("Nop commits = %q, %q, log %v", a, b, n.Log)
	}
	if _, err := n.Commit(context.Background(), nil, "empty"); !errors.Is(err, tferrors.ErrNothingToCommit) {
		t.Errorf("Commit(no files) error = %v, want ErrNothingToCommit", err)
	}
	if br, _ := n.CurrentBranch(context.Background()); br != "HEAD" {
		t.Errorf("CurrentBranch() = %q", br)
	}
}

func TestGit_Push(t *testing.T) {
	m := &mockExecutor{}
	m.addResponse("", nil)
	m.addResponse("rejected: non-fast-forward", errors.New("exit status 1"))
	g := NewGitWithExecutor("/repo", m)

	var _ Pusher = g
	if err := g.Push(context.Background()); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if got := strings.Join(m.calls[0].args, " "); got != "git push" {
		t.Errorf("call = %q, want %q", got, "git push")
	}

	err := g.Push(context.Background())
	var gitErr *tferrors.GitError
	if !errors.As(err, &gitErr) {
		t.Fatalf("Push() error = %v, want *GitError", err)
	}
	if !strings.Contains(err.Error(), "non-fast-forward") {
		t.Errorf("error %q does not carry git output", err)
	}
}
