package ticket

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/ticketflow/internal/errors"
)

// Validate checks the record against the schema and returns a
// ConfigurationError describing the first problem found.
func (t *Ticket) Validate() error {
	bad := func(field, format string, args ...any) error {
		return errors.NewConfigurationError(fmt.Sprintf(format, args...), errors.ErrMalformedRecord).
			WithTicketID(t.ID).
			WithField(field)
	}

	if strings.TrimSpace(t.ID) == "" {
		return bad("id", "ticket id is empty")
	}
	if strings.TrimSpace(t.Title) == "" {
		return bad("title", "ticket title is empty")
	}
	if !t.Kind.Valid() {
		return bad("kind", "unknown kind %q", t.Kind)
	}
	if !t.Priority.Valid() {
		return bad("priority", "priority %d out of range P0..P4", int(t.Priority))
	}
	if !t.State.Valid() {
		return bad("state", "unknown state %q", t.State)
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return bad("dependencies", "ticket depends on itself")
		}
		if strings.TrimSpace(dep) == "" {
			return bad("dependencies", "empty dependency id")
		}
	}
	for _, h := range t.StateHistory {
		if !h.State.Valid() {
			return bad("stateHistory", "unknown state %q in history", h.State)
		}
	}

	taskIDs := make(map[string]bool, len(t.Tasks))
	for i, task := range t.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if task.ID == "" {
			return bad(field+".id", "task id is empty")
		}
		if taskIDs[task.ID] {
			return bad(field+".id", "duplicate task id %q", task.ID)
		}
		taskIDs[task.ID] = true
		if !task.Validator.Valid() {
			return bad(field+".validator", "unknown validator kind %q", task.Validator)
		}
		if !task.Status.Valid() {
			return bad(field+".status", "unknown task status %q", task.Status)
		}
		if task.MaxRetries < 0 {
			return bad(field+".maxRetries", "maxRetries must be non-negative")
		}
		if task.Check == nil {
			return bad(field+".check", "task declares no %s check", task.Validator)
		}
		if err := validateCheck(task.Validator, task.Check); err != "" {
			return bad(field+".check", "%s", err)
		}
	}

	names := make(map[string]bool, len(t.Components))
	for i, c := range t.Components {
		field := fmt.Sprintf("components[%d]", i)
		if c.Name == "" {
			return bad(field+".name", "component name is empty")
		}
		if names[c.Name] {
			return bad(field+".name", "duplicate component %q", c.Name)
		}
		names[c.Name] = true
		if !c.Status.Valid() {
			return bad(field+".status", "unknown component status %q", c.Status)
		}
		for _, id := range c.TaskIDs {
			if !taskIDs[id] {
				return bad(field+".tasks", "component %q references unknown task %q", c.Name, id)
			}
		}
	}

	if v := t.Validation; v != nil {
		if !v.Validator.Valid() {
			return bad("validationConfig.validator", "unknown validator kind %q", v.Validator)
		}
		for i, s := range v.Steps {
			if msg := validateStep(s); msg != "" {
				return bad(fmt.Sprintf("validationConfig.steps[%d]", i), "%s", msg)
			}
		}
		if v.Check != nil {
			if msg := validateCheck(v.Validator, v.Check); msg != "" {
				return bad("validationConfig.check", "%s", msg)
			}
		}
	}

	return nil
}

// validateCheck returns a description of what is wrong, or "".
func validateCheck(kind ValidatorKind, c *Check) string {
	if c == nil {
		return ""
	}
	got := c.Kind()
	if got == "" {
		return "check must set exactly one validator section"
	}
	if got != kind {
		return fmt.Sprintf("check is %s but validator is %s", got, kind)
	}
	switch {
	case c.Generic != nil:
		if len(c.Generic.Steps) == 0 {
			return "generic check declares no steps"
		}
		for _, s := range c.Generic.Steps {
			if msg := validateStep(s); msg != "" {
				return msg
			}
		}
	case c.StateFlow != nil:
		if c.StateFlow.Transition == "" {
			return "stateflow check has no transition"
		}
		for _, e := range c.StateFlow.Effects {
			switch e.Kind {
			case "visibility", "route", "cache":
			default:
				return fmt.Sprintf("unknown stateflow effect %q", e.Kind)
			}
		}
	case c.Content != nil:
		if c.Content.Formula == "" || c.Content.Render == "" {
			return "content check needs formula and render"
		}
	case c.Interactive != nil:
		if c.Interactive.Element == "" || c.Interactive.Handler == "" {
			return "interactive check needs element and handler"
		}
	case c.Integration != nil:
		for _, s := range c.Integration.Strategies {
			switch s {
			case "backoff", "auth_failure", "timeout":
			default:
				return fmt.Sprintf("unknown error-handling strategy %q", s)
			}
		}
	}
	return ""
}

func validateStep(s VerificationStep) string {
	if s.Check == "" {
		return fmt.Sprintf("step %q has no check", s.Name)
	}
	switch s.OnFailure {
	case "", OnFailureAutoFix, OnFailureDefer, OnFailureFail:
	default:
		return fmt.Sprintf("step %q has unknown onFailure %q", s.Name, s.OnFailure)
	}
	switch {
	case s.Success == "", s.Success == "exit_zero",
		strings.HasPrefix(s.Success, "contains:"), strings.HasPrefix(s.Success, "matches:"):
	default:
		return fmt.Sprintf("step %q has unknown success predicate %q", s.Name, s.Success)
	}
	return ""
}
