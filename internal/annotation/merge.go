package annotation

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// Field names an annotation field.
type Field string

const (
	FieldID            Field = "id"
	FieldTitle         Field = "title"
	FieldPriority      Field = "priority"
	FieldNotes         Field = "notes"
	FieldStateOverride Field = "state_override"
	FieldDependencies  Field = "dependencies"
	FieldChildren      Field = "children"
	FieldCommitRefs    Field = "commit_refs"
	FieldCreated       Field = "created"
	FieldUpdated       Field = "updated"
)

// Owner is the side whose value wins for a field.
type Owner string

const (
	OwnerSystem Owner = "system"
	OwnerUser   Owner = "user"
)

// Ownership is the per-field precedence table.
var Ownership = map[Field]Owner{
	FieldID:            OwnerSystem,
	FieldTitle:         OwnerSystem,
	FieldDependencies:  OwnerSystem,
	FieldChildren:      OwnerSystem,
	FieldCommitRefs:    OwnerSystem,
	FieldCreated:       OwnerSystem,
	FieldUpdated:       OwnerSystem,
	FieldPriority:      OwnerUser,
	FieldNotes:         OwnerUser,
	FieldStateOverride: OwnerUser,
}

// Winner values of a Conflict.
const (
	WinnerCanonical = "canonical"
	WinnerHuman     = "human"
)

// Conflict is one field where the annotation and the index disagree.
type Conflict struct {
	TicketID  string
	Field     Field
	Canonical string
	Human     string
	Winner    string
	Reason    string
}

func (c Conflict) String() string {
	s := fmt.Sprintf("%s.%s: canonical=%q human=%q winner=%s", c.TicketID, c.Field, c.Canonical, c.Human, c.Winner)
	if c.Reason != "" {
		s += " (" + c.Reason + ")"
	}
	return s
}

// MergeResult is the merged ticket.
type MergeResult struct {
	// Ticket is a copy of the canonical ticket with user-owned fields applied.
	Ticket *ticket.Ticket
	// Changed reports whether Ticket differs from the canonical input.
	Changed bool
}

// Merge resolves human against canonical field by field. It is pure: the
// inputs are not modified and at stamps any state override it applies.
//
// System-owned fields keep the canonical value. User-owned fields take the
// human value. A state override is applied only when it is a legal
// transition from the canonical state; one into IN_PROGRESS also needs every
// dependency COMPLETED in deps, which maps dependency id to its current
// state. Every differing field yields a Conflict naming the winner.
func Merge(canonical *ticket.Ticket, human Annotation, at time.Time, deps map[string]ticket.State) (MergeResult, []Conflict) {
	out := canonical.Clone()
	var conflicts []Conflict
	add := func(f Field, c, h, winner, reason string) {
		conflicts = append(conflicts, Conflict{
			TicketID: canonical.ID, Field: f, Canonical: c, Human: h, Winner: winner, Reason: reason,
		})
	}
	changed := false

	// System-owned fields. Absent values in the file are not disagreements.
	// The updated stamp only shows the file is stale and is refreshed
	// silently.
	system := []struct {
		field  Field
		canon  string
		human  string
		absent bool
	}{
		{FieldID, canonical.ID, human.ID, human.ID == ""},
		{FieldTitle, canonical.Title, human.Title, human.Title == ""},
		{FieldDependencies, joinList(canonical.Dependencies), joinList(human.Dependencies), human.Dependencies == nil},
		{FieldChildren, joinList(canonical.Children), joinList(human.Children), human.Children == nil},
		{FieldCommitRefs, joinList(canonical.CommitRefs), joinList(human.CommitRefs), human.CommitRefs == nil},
		{FieldCreated, formatTime(canonical.CreatedAt), formatTime(human.Created), human.Created.IsZero()},
	}
	for _, f := range system {
		if !f.absent && f.canon != f.human {
			add(f.field, f.canon, f.human, WinnerCanonical, "system-owned")
		}
	}

	if human.Priority != "" {
		p, err := ticket.ParsePriority(human.Priority)
		switch {
		case err != nil:
			add(FieldPriority, canonical.Priority.String(), human.Priority, WinnerCanonical, "invalid priority")
		case p != canonical.Priority:
			add(FieldPriority, canonical.Priority.String(), p.String(), WinnerHuman, "")
			out.Priority = p
			changed = true
		}
	}

	if human.Notes != canonical.Notes {
		add(FieldNotes, canonical.Notes, human.Notes, WinnerHuman, "")
		out.Notes = human.Notes
		changed = true
	}

	if override := strings.TrimSpace(human.StateOverride); override != "" {
		s, err := ticket.ParseState(override)
		switch {
		case err != nil:
			add(FieldStateOverride, string(canonical.State), override, WinnerCanonical, "unknown state")
		case s == canonical.State:
			// Already there; nothing to apply.
		case !ticket.CanTransition(canonical.State, s):
			add(FieldStateOverride, string(canonical.State), string(s), WinnerCanonical,
				fmt.Sprintf("illegal transition %s -> %s", canonical.State, s))
		case s == ticket.StateInProgress && len(unmetDependencies(canonical, deps)) > 0:
			add(FieldStateOverride, string(canonical.State), string(s), WinnerCanonical,
				"dependencies not completed: "+strings.Join(unmetDependencies(canonical, deps), ", "))
		default:
			var err error
			if s == ticket.StateDeferred {
				err = out.DeferWith(ticket.DeferRecord{
					Category:    ticket.DeferUserRejected,
					Message:     "deferred by manual state override",
					ManualRetry: true,
				}, at)
			} else {
				err = out.Transition(s, at)
			}
			if err != nil {
				add(FieldStateOverride, string(canonical.State), string(s), WinnerCanonical, err.Error())
				break
			}
			add(FieldStateOverride, string(canonical.State), string(s), WinnerHuman, "")
			changed = true
		}
	}

	if changed {
		out.UpdatedAt = at
	}
	return MergeResult{Ticket: out, Changed: changed}, conflicts
}

func unmetDependencies(t *ticket.Ticket, deps map[string]ticket.State) []string {
	var unmet []string
	for _, dep := range t.Dependencies {
		if deps[dep] != ticket.StateCompleted {
			unmet = append(unmet, dep)
		}
	}
	slices.Sort(unmet)
	return unmet
}

func joinList(s []string) string {
	c := slices.Clone(s)
	slices.Sort(c)
	return strings.Join(c, ",")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
