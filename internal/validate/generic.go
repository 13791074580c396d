package validate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Iron-Ham/ticketflow/internal/ticket"
	"github.com/Iron-Ham/ticketflow/internal/util"
)

// maxDiagnosticOutput caps command output quoted in a diagnostic.
const maxDiagnosticOutput = 200

// Generic runs the declared ordered verification steps. Every step must
// succeed; a failing step whose OnFailure is "fail" stops the run. A task
// without a generic check is a script error, never a vacuous pass.
type Generic struct{}

// Kind implements Validator.
func (Generic) Kind() ticket.ValidatorKind { return ticket.ValidatorGeneric }

// Validate implements Validator.
func (g Generic) Validate(ctx context.Context, vc Context) Result {
	steps := vc.Steps
	if vc.Check != nil && vc.Check.Generic != nil {
		steps = vc.Check.Generic.Steps
	} else if vc.TaskID != "" {
		return scriptError(g.Kind(), fmt.Errorf("task %s declares no generic check", vc.TaskID))
	}
	if len(steps) == 0 {
		return pass(g.Kind(), "no verification steps declared")
	}

	var failures []Failure
	for i, step := range steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step %d", i+1)
		}
		res, err := vc.Runner.Run(ctx, vc.Root, step.Check, nil)
		if err != nil {
			return scriptError(g.Kind(), fmt.Errorf("%s: %w", name, err))
		}
		ok, want, err := evalPredicate(step.Success, res)
		if err != nil {
			return scriptError(g.Kind(), fmt.Errorf("%s: %w", name, err))
		}
		if ok {
			continue
		}
		failures = append(failures, Failure{
			Check:    name,
			Expected: want,
			Actual:   describeResult(res),
			Action:   step.OnFailure,
		})
		if step.OnFailure == ticket.OnFailureFail {
			break
		}
	}
	return verdict(g.Kind(), "verification steps", failures)
}

// evalPredicate applies a success predicate and returns the verdict plus a
// description of what was expected.
func evalPredicate(pred string, res CommandResult) (bool, string, error) {
	switch {
	case pred == "" || pred == "exit_zero":
		return res.ExitCode == 0, "exit 0", nil
	case strings.HasPrefix(pred, "contains:"):
		s := strings.TrimPrefix(pred, "contains:")
		return strings.Contains(res.Output(), s), fmt.Sprintf("output containing %q", s), nil
	case strings.HasPrefix(pred, "matches:"):
		expr := strings.TrimPrefix(pred, "matches:")
		re, err := regexp.Compile(expr)
		if err != nil {
			return false, "", fmt.Errorf("invalid success pattern: %w", err)
		}
		return re.MatchString(res.Output()), fmt.Sprintf("output matching %q", expr), nil
	default:
		return false, "", fmt.Errorf("unknown success predicate %q", pred)
	}
}

func describeResult(res CommandResult) string {
	out := util.TruncateTail(strings.TrimSpace(res.Output()), maxDiagnosticOutput)
	if out == "" {
		return fmt.Sprintf("exit %d", res.ExitCode)
	}
	return fmt.Sprintf("exit %d: %s", res.ExitCode, out)
}
