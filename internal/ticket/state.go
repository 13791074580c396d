package ticket

import (
	"fmt"
	"time"

	"github.com/Iron-Ham/ticketflow/internal/errors"
)

// transitions is the complete edge set of the ticket state machine.
var transitions = map[State][]State{
	StateUnprocessed: {StateInProgress, StateDeferred},
	StateInProgress:  {StateCompleted, StateDeferred},
	StateDeferred:    {StateInProgress},
	StateCompleted:   nil,
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Staying in the same state is not an edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the ticket to state to, stamping UpdatedAt and appending
// one history entry. Re-applying the current state is a no-op. Entering
// IN_PROGRESS clears any defer record.
func (t *Ticket) Transition(to State, at time.Time) error {
	if t.State == to {
		return nil
	}
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", errors.ErrInvalidTransition, t.ID, t.State, to)
	}

	t.State = to
	t.UpdatedAt = at
	t.StateHistory = append(t.StateHistory, HistoryEntry{State: to, Timestamp: at})
	if to == StateInProgress {
		t.Defer = nil
	}
	return nil
}

// DeferWith transitions to DEFERRED and records why.
func (t *Ticket) DeferWith(rec DeferRecord, at time.Time) error {
	if err := t.Transition(StateDeferred, at); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = at
	}
	t.Defer = &rec
	return nil
}

// Start moves an UNPROCESSED or DEFERRED ticket to IN_PROGRESS.
func (t *Ticket) Start(at time.Time) error {
	return t.Transition(StateInProgress, at)
}

// Complete moves an IN_PROGRESS ticket to COMPLETED.
func (t *Ticket) Complete(at time.Time) error {
	return t.Transition(StateCompleted, at)
}

// DeferTask marks one task DEFERRED with rec.
func (task *Task) DeferTask(rec DeferRecord, at time.Time) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = at
	}
	if rec.AttemptCount == 0 {
		rec.AttemptCount = task.AttemptCount
	}
	task.Status = TaskDeferred
	task.Defer = &rec
}

// CompleteTask marks one task COMPLETED. It must only be called after the
// task's last validation run passed.
func (task *Task) CompleteTask() {
	task.Status = TaskCompleted
	task.Defer = nil
}
