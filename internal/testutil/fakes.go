package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/implementer"
	"github.com/Iron-Ham/ticketflow/internal/retry"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
	"github.com/Iron-Ham/ticketflow/internal/validate"
)

// FakeImplementer records requests and answers through optional funcs.
// With no funcs set every request succeeds with no changed files.
type FakeImplementer struct {
	ImplementFunc func(req implementer.Request) (implementer.Result, error)
	FixFunc       func(req implementer.FixRequest) (implementer.Result, error)

	mu          sync.Mutex
	implemented []implementer.Request
	fixes       []implementer.FixRequest
}

// Implement implements implementer.Implementer.
func (f *FakeImplementer) Implement(_ context.Context, req implementer.Request) (implementer.Result, error) {
	f.mu.Lock()
	f.implemented = append(f.implemented, req)
	fn := f.ImplementFunc
	f.mu.Unlock()
	if fn == nil {
		return implementer.Result{}, nil
	}
	return fn(req)
}

// Fix implements implementer.Implementer.
func (f *FakeImplementer) Fix(_ context.Context, req implementer.FixRequest) (implementer.Result, error) {
	f.mu.Lock()
	f.fixes = append(f.fixes, req)
	fn := f.FixFunc
	f.mu.Unlock()
	if fn == nil {
		return implementer.Result{}, nil
	}
	return fn(req)
}

// Implemented returns the ticket ids passed to Implement, in call order.
func (f *FakeImplementer) Implemented() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.implemented))
	for _, r := range f.implemented {
		out = append(out, retry.Key(r.TicketID, r.TaskID))
	}
	return out
}

// Fixes returns a copy of every fix request.
func (f *FakeImplementer) Fixes() []implementer.FixRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.fixes)
}

// Commit is one change recorded by FakeVCS.
type Commit struct {
	ID      string
	Files   []string
	Message string
}

// FakeVCS is an in-memory VersionControl. FailTimes makes the first n
// commits whose message equals the key fail. Like git, a commit without
// files records nothing.
type FakeVCS struct {
	FailTimes map[string]int

	mu      sync.Mutex
	commits []Commit
}

// Commit implements vcs.VersionControl.
func (v *FakeVCS) Commit(_ context.Context, files []string, message string) (string, error) {
	if len(files) == 0 {
		return "", errors.ErrNothingToCommit
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.FailTimes[message] > 0 {
		v.FailTimes[message]--
		return "", fmt.Errorf("commit %q rejected", message)
	}
	id := fmt.Sprintf("c%d", len(v.commits)+1)
	v.commits = append(v.commits, Commit{ID: id, Files: slices.Clone(files), Message: message})
	return id, nil
}

// Diff implements vcs.VersionControl.
func (v *FakeVCS) Diff(context.Context) (string, error) {
	return "", nil
}

// CurrentBranch implements vcs.VersionControl.
func (v *FakeVCS) CurrentBranch(context.Context) (string, error) {
	return "main", nil
}

// Commits returns a copy of the recorded commits in order.
func (v *FakeVCS) Commits() []Commit {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.commits)
}

// Messages returns the recorded commit messages in order.
func (v *FakeVCS) Messages() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.commits))
	for _, c := range v.commits {
		out = append(out, c.Message)
	}
	return out
}

// ScriptedValidator returns scripted verdicts per ticket/task key. Each call
// consumes the next verdict; the last verdict repeats. Keys without a script
// pass.
type ScriptedValidator struct {
	ValidatorKind ticket.ValidatorKind
	Verdicts      map[string][]bool

	mu    sync.Mutex
	calls map[string]int
}

// Kind implements validate.Validator.
func (s *ScriptedValidator) Kind() ticket.ValidatorKind {
	if s.ValidatorKind == "" {
		return ticket.ValidatorGeneric
	}
	return s.ValidatorKind
}

// Validate implements validate.Validator.
func (s *ScriptedValidator) Validate(_ context.Context, vc validate.Context) validate.Result {
	key := retry.Key(vc.TicketID, vc.TaskID)

	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	n := s.calls[key]
	s.calls[key]++
	script := s.Verdicts[key]
	s.mu.Unlock()

	passed := true
	if len(script) > 0 {
		passed = script[min(n, len(script)-1)]
	}
	if passed {
		return validate.Result{Pass: true, Diagnostic: validate.Diagnostic{Kind: s.Kind(), Summary: "ok"}}
	}
	return validate.Result{Diagnostic: validate.Diagnostic{
		Kind:    s.Kind(),
		Summary: fmt.Sprintf("%s: attempt %d failed", key, n+1),
		Failures: []validate.Failure{{
			Check:    "scripted",
			Expected: "pass",
			Actual:   "fail",
			Action:   ticket.OnFailureAutoFix,
		}},
		Hints: validate.Hints(s.Kind()),
	}}
}

// Calls returns how often key was validated.
func (s *ScriptedValidator) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}
