// Package prompt asks an operator to confirm orchestration steps.
//
// Interactive runs pause at fixed confirmation points; auto runs use [Auto],
// which accepts everything. Tests use [Scripted].
package prompt

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Point is a place where an interactive run pauses.
type Point string

const (
	PointCycleStart         Point = "cycle_start"
	PointTicketStart        Point = "ticket_start"
	PointPostImplementation Point = "post_implementation"
	PointPreCommit          Point = "pre_commit"
	PointPrePush            Point = "pre_push"
	PointContinueCycle      Point = "continue_cycle"
)

// Action is the operator's answer.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionDefer  Action = "defer"
	ActionSkip   Action = "skip"
	ActionStop   Action = "stop"
)

// Shortcut is the key that picks a in the terminal prompt.
func (a Action) Shortcut() rune {
	if a == ActionStop {
		return 'q'
	}
	if a == "" {
		return 0
	}
	return rune(a[0])
}

// Actions returns the answers that make sense at p, accept first.
func (p Point) Actions() []Action {
	switch p {
	case PointTicketStart:
		return []Action{ActionAccept, ActionSkip, ActionDefer, ActionStop}
	case PointPostImplementation:
		return []Action{ActionAccept, ActionReject, ActionDefer, ActionSkip, ActionStop}
	case PointPreCommit:
		return []Action{ActionAccept, ActionDefer, ActionSkip, ActionStop}
	default:
		return []Action{ActionAccept, ActionStop}
	}
}

// Allows reports whether a is a valid answer at p.
func (p Point) Allows(a Action) bool {
	return slices.Contains(p.Actions(), a)
}

// Subject describes what is being confirmed.
type Subject struct {
	TicketID  string
	Title     string
	TaskID    string
	Component string
	Summary   string
	Details   []string
}

func (s Subject) String() string {
	var parts []string
	if s.TicketID != "" {
		id := s.TicketID
		if s.Component != "" {
			id += "/" + s.Component
		} else if s.TaskID != "" {
			id += "/" + s.TaskID
		}
		parts = append(parts, id)
	}
	if s.Title != "" {
		parts = append(parts, s.Title)
	}
	if s.Summary != "" {
		parts = append(parts, s.Summary)
	}
	return strings.Join(parts, " - ")
}

// Prompter asks for a decision at a confirmation point.
type Prompter interface {
	Confirm(ctx context.Context, point Point, subject Subject) (Action, error)
}

// Auto accepts every confirmation.
type Auto struct{}

// Confirm implements Prompter.
func (Auto) Confirm(ctx context.Context, _ Point, _ Subject) (Action, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return ActionAccept, nil
}

// Call is one recorded confirmation.
type Call struct {
	Point   Point
	Subject Subject
	Action  Action
}

// Scripted replays prepared answers. Answers are looked up first under
// "<point>:<ticket id>", then under "<point>"; each key is a queue and its
// last answer repeats. Anything unscripted is accepted.
type Scripted struct {
	Answers map[string][]Action

	mu    sync.Mutex
	calls []Call
}

// Confirm implements Prompter.
func (s *Scripted) Confirm(ctx context.Context, point Point, subject Subject) (Action, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	action := ActionAccept
	for _, key := range []string{string(point) + ":" + subject.TicketID, string(point)} {
		queue, ok := s.Answers[key]
		if !ok || len(queue) == 0 {
			continue
		}
		action = queue[0]
		if len(queue) > 1 {
			s.Answers[key] = queue[1:]
		}
		break
	}
	if !point.Allows(action) {
		return "", fmt.Errorf("scripted answer %q is not allowed at %s", action, point)
	}
	s.calls = append(s.calls, Call{Point: point, Subject: subject, Action: action})
	return action, nil
}

// Calls returns the recorded confirmations in order.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Points returns the confirmation points seen, in order.
func (s *Scripted) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Point, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Point)
	}
	return out
}
