// Package ticket defines the ticket data model and its state machine.
//
// A [Ticket] moves through four states:
//
//	UNPROCESSED ──► IN_PROGRESS ──► COMPLETED
//	     │              │
//	     └──► DEFERRED ◄┘
//	             │
//	             └──► IN_PROGRESS
//
// [Ticket.Transition] is the only way to change state. It rejects any edge
// not in the table with errors.ErrInvalidTransition, appends exactly one
// [HistoryEntry] per real change and treats re-applying the current state
// as a no-op.
//
// Optional parts of a record (tasks, components, validation config, checks)
// are nil-able and probed through presence helpers such as [Ticket.HasTasks]
// and [Task.AutoFixEnabled]. A task's [Check] is a tagged union whose single
// member must match the task's validator kind; [Ticket.Validate] enforces
// this along with the rest of the schema.
package ticket
