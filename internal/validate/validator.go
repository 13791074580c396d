// Package validate provides the pluggable validation strategies run after a
// task is implemented.
//
// Each [Validator] inspects the working tree and reports a structured
// [Result]. Validators never modify the tree, so running one twice in a row
// yields the same verdict. The [Registry] maps a ticket.ValidatorKind to its
// strategy.
package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// Validator is one validation strategy.
type Validator interface {
	Kind() ticket.ValidatorKind
	Validate(ctx context.Context, vc Context) Result
}

// Context is everything a validator may look at.
type Context struct {
	TicketID string
	TaskID   string

	// Root is the project directory inside Fs. Commands run here.
	Root string
	Fs   afero.Fs

	Runner CommandRunner
	Prober Prober

	// Check is the task's declared check. Untasked tickets supply their
	// validation config steps through Steps instead.
	Check *ticket.Check
	Steps []ticket.VerificationStep
}

// Result is the verdict of one validation run.
type Result struct {
	Pass       bool
	Diagnostic Diagnostic
	// Err is set when the check itself could not be executed (bad command,
	// invalid pattern, unparsable formula). Such results never pass.
	Err error
}

// Failure is one check that did not hold.
type Failure struct {
	Check    string
	Expected string
	Actual   string
	Action   ticket.FailureAction
}

// Diagnostic describes why validation failed.
type Diagnostic struct {
	Kind     ticket.ValidatorKind
	Summary  string
	Failures []Failure
	Hints    []string
}

// String renders the diagnostic for logs and for the Implementer.
func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(d.Summary)
	for _, f := range d.Failures {
		fmt.Fprintf(&b, "\n- %s: expected %s, got %s", f.Check, f.Expected, f.Actual)
	}
	for _, h := range d.Hints {
		fmt.Fprintf(&b, "\nhint: %s", h)
	}
	return b.String()
}

// Action returns the strongest failure action requested by any failure:
// defer beats fail, which beats auto_fix.
func (d Diagnostic) Action() ticket.FailureAction {
	action := ticket.OnFailureAutoFix
	for _, f := range d.Failures {
		switch f.Action {
		case ticket.OnFailureDefer:
			return ticket.OnFailureDefer
		case ticket.OnFailureFail:
			action = ticket.OnFailureFail
		}
	}
	return action
}

func pass(kind ticket.ValidatorKind, summary string) Result {
	return Result{Pass: true, Diagnostic: Diagnostic{Kind: kind, Summary: summary}}
}

func fail(kind ticket.ValidatorKind, summary string, failures []Failure) Result {
	for i := range failures {
		if failures[i].Action == "" {
			failures[i].Action = ticket.OnFailureAutoFix
		}
	}
	return Result{Diagnostic: Diagnostic{Kind: kind, Summary: summary, Failures: failures, Hints: Hints(kind)}}
}

func scriptError(kind ticket.ValidatorKind, err error) Result {
	return Result{Err: err, Diagnostic: Diagnostic{Kind: kind, Summary: err.Error()}}
}

func verdict(kind ticket.ValidatorKind, what string, failures []Failure) Result {
	if len(failures) == 0 {
		return pass(kind, what+" passed")
	}
	return fail(kind, fmt.Sprintf("%s: %d check(s) failed", what, len(failures)), failures)
}

var hints = map[ticket.ValidatorKind][]string{
	ticket.ValidatorGeneric: {
		"fix the failing verification step without weakening the step itself",
	},
	ticket.ValidatorStateFlow: {
		"add the missing guard on the transition",
		"fix the dependency between the transition and its downstream effect",
	},
	ticket.ValidatorContent: {
		"add a null/zero guard before dividing or formatting",
		"derive the rendered value from the declared formula, not a constant",
	},
	ticket.ValidatorInteractive: {
		"rewire the element's handler to the declared function",
		"point navigation at a route that exists",
	},
	ticket.ValidatorIntegration: {
		"handle unreachable dependencies with bounded retry and backoff",
		"surface auth failures and timeouts explicitly",
	},
}

// Hints returns the kind-specific fix hints handed to the Implementer.
func Hints(kind ticket.ValidatorKind) []string {
	return append([]string(nil), hints[kind]...)
}

// Registry maps validator kinds to strategies.
type Registry struct {
	validators map[ticket.ValidatorKind]Validator
}

// NewRegistry returns a registry holding vs.
func NewRegistry(vs ...Validator) *Registry {
	r := &Registry{validators: make(map[ticket.ValidatorKind]Validator, len(vs))}
	for _, v := range vs {
		r.Register(v)
	}
	return r
}

// DefaultRegistry returns a registry with every built-in strategy.
func DefaultRegistry() *Registry {
	return NewRegistry(Generic{}, StateFlow{}, Content{}, Interactive{}, Integration{})
}

// Register adds or replaces the strategy for v.Kind().
func (r *Registry) Register(v Validator) {
	r.validators[v.Kind()] = v
}

// Get returns the strategy for kind, or a ConfigurationError.
func (r *Registry) Get(kind ticket.ValidatorKind) (Validator, error) {
	v, ok := r.validators[kind]
	if !ok {
		return nil, errors.NewConfigurationError(fmt.Sprintf("no validator registered for %q", kind), errors.ErrUnknownValidator).
			WithField("validator")
	}
	return v, nil
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []ticket.ValidatorKind {
	kinds := make([]ticket.ValidatorKind, 0, len(r.validators))
	for k := range r.validators {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Validate runs the strategy for kind.
func (r *Registry) Validate(ctx context.Context, kind ticket.ValidatorKind, vc Context) (Result, error) {
	v, err := r.Get(kind)
	if err != nil {
		return Result{}, err
	}
	if vc.Fs == nil {
		vc.Fs = afero.NewOsFs()
	}
	return v.Validate(ctx, vc), nil
}
