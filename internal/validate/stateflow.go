package validate

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// StateFlow drives a state transition and checks its downstream effects
// (visibility, route reachability, cache state) against the transition's
// output or a named file.
type StateFlow struct{}

// Kind implements Validator.
func (StateFlow) Kind() ticket.ValidatorKind { return ticket.ValidatorStateFlow }

// Validate implements Validator.
func (s StateFlow) Validate(ctx context.Context, vc Context) Result {
	if vc.Check == nil || vc.Check.StateFlow == nil {
		return scriptError(s.Kind(), fmt.Errorf("task declares no stateflow check"))
	}
	check := vc.Check.StateFlow

	res, err := vc.Runner.Run(ctx, vc.Root, check.Transition, nil)
	if err != nil {
		return scriptError(s.Kind(), fmt.Errorf("transition: %w", err))
	}
	if res.ExitCode != 0 {
		return fail(s.Kind(), "transition did not complete", []Failure{{
			Check:    "transition",
			Expected: "exit 0",
			Actual:   describeResult(res),
		}})
	}

	var failures []Failure
	for i, effect := range check.Effects {
		re, err := regexp.Compile(effect.Pattern)
		if err != nil {
			return scriptError(s.Kind(), fmt.Errorf("effect %d: invalid pattern: %w", i, err))
		}
		name := fmt.Sprintf("%s effect %q", effect.Kind, effect.Pattern)

		subject := res.Output()
		if effect.File != "" {
			data, err := afero.ReadFile(vc.Fs, filepath.Join(vc.Root, effect.File))
			if err != nil {
				failures = append(failures, Failure{
					Check:    name,
					Expected: "readable " + effect.File,
					Actual:   err.Error(),
				})
				continue
			}
			subject = string(data)
		}

		found := re.MatchString(subject)
		switch {
		case effect.Absent && found:
			failures = append(failures, Failure{Check: name, Expected: "no match", Actual: "pattern present"})
		case !effect.Absent && !found:
			failures = append(failures, Failure{Check: name, Expected: "match", Actual: "pattern absent"})
		}
	}
	return verdict(s.Kind(), "state transition effects", failures)
}
