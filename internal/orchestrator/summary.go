package orchestrator

import (
	"fmt"
	"io"
	"strings"

	"github.com/Iron-Ham/ticketflow/internal/resolver"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// Reason is why a run ended.
type Reason string

const (
	// ReasonDrained means no ticket was left to select.
	ReasonDrained  Reason = "drained"
	ReasonDeadlock Reason = "deadlock"
	ReasonStopped  Reason = "stopped"
	ReasonCanceled Reason = "canceled"
	ReasonAborted  Reason = "aborted"
	// ReasonPlanned ends every dry run.
	ReasonPlanned Reason = "planned"
)

// Deferral is one ticket deferred during the run.
type Deferral struct {
	TicketID    string
	Category    ticket.DeferCategory
	Message     string
	Attempts    int
	ManualRetry bool
}

func (d Deferral) String() string {
	s := fmt.Sprintf("%s: %s: %s", d.TicketID, d.Category, d.Message)
	if d.Attempts > 0 {
		s += fmt.Sprintf(" (%d attempt(s))", d.Attempts)
	}
	if d.ManualRetry {
		s += " [manual retry]"
	}
	return s
}

// Commit is a ticket committed after its batch.
type Commit struct {
	TicketID string
	CommitID string
	Attempts int
}

// FailedCommit is a ticket whose batch commit never landed.
type FailedCommit struct {
	TicketID string
	Attempts int
	Error    string
}

// Summary is the outcome of one run.
type Summary struct {
	RunID string
	Mode  string

	Completed []string
	Deferred  []Deferral
	// Skipped tickets were left as they were at an operator's request.
	Skipped []string
	// Failed lists tickets left in place by an error, as "id: error".
	Failed []string
	// Blocked holds the dependency chains of tickets that could never
	// become ready.
	Blocked []resolver.Chain
	// Batches lists the ticket ids of each processed batch in order.
	Batches       [][]string
	Commits       []Commit
	FailedCommits []FailedCommit
	PushErrors    []string

	// Plan is the simulated schedule of a dry run.
	Plan []resolver.Wave

	Reason   Reason
	ExitCode int
}

func (s *Summary) add(r result) {
	switch r.status {
	case statusCompleted:
		s.Completed = append(s.Completed, r.ticketID)
	case statusDeferred:
		d := Deferral{TicketID: r.ticketID}
		if r.ticket != nil && r.ticket.Defer != nil {
			d.Category = r.ticket.Defer.Category
			d.Message = r.ticket.Defer.Message
			d.Attempts = r.ticket.Defer.AttemptCount
			d.ManualRetry = r.ticket.Defer.ManualRetry
		}
		s.Deferred = append(s.Deferred, d)
	case statusSkipped:
		s.Skipped = append(s.Skipped, r.ticketID)
	case statusFailed:
		msg := "unknown error"
		if r.err != nil {
			msg = r.err.Error()
		}
		s.Failed = append(s.Failed, r.ticketID+": "+msg)
	}
}

// exitCode is 0 for a clean run, 2 when something needs attention and 1
// for a deadlock when stop_on_deadlock is set.
func (s *Summary) exitCode(stopOnDeadlock bool) int {
	if len(s.Blocked) > 0 && stopOnDeadlock {
		return 1
	}
	if len(s.Deferred) > 0 || len(s.Failed) > 0 || len(s.FailedCommits) > 0 || len(s.Blocked) > 0 || len(s.PushErrors) > 0 {
		return 2
	}
	return 0
}

// Write renders the summary for a terminal.
func (s *Summary) Write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s): %s\n", s.RunID, s.Mode, s.Reason)

	if len(s.Plan) > 0 {
		b.WriteString("plan:\n")
		for i, wave := range s.Plan {
			for j, batch := range wave.Batches {
				fmt.Fprintf(&b, "  wave %d batch %d: %s\n", i+1, j+1, strings.Join(batch, ", "))
			}
		}
	}
	for i, batch := range s.Batches {
		fmt.Fprintf(&b, "batch %d: %s\n", i+1, strings.Join(batch, ", "))
	}
	if len(s.Completed) > 0 {
		fmt.Fprintf(&b, "completed (%d): %s\n", len(s.Completed), strings.Join(s.Completed, ", "))
	}
	if len(s.Deferred) > 0 {
		fmt.Fprintf(&b, "deferred (%d):\n", len(s.Deferred))
		for _, d := range s.Deferred {
			fmt.Fprintf(&b, "  %s\n", d)
		}
	}
	if len(s.Skipped) > 0 {
		fmt.Fprintf(&b, "skipped (%d): %s\n", len(s.Skipped), strings.Join(s.Skipped, ", "))
	}
	for _, f := range s.Failed {
		fmt.Fprintf(&b, "failed: %s\n", f)
	}
	if len(s.Blocked) > 0 {
		fmt.Fprintf(&b, "blocked (%d):\n", len(s.Blocked))
		for _, c := range s.Blocked {
			fmt.Fprintf(&b, "  %s\n", c)
		}
	}
	for _, c := range s.Commits {
		fmt.Fprintf(&b, "commit %s: %s\n", c.TicketID, c.CommitID)
	}
	for _, c := range s.FailedCommits {
		fmt.Fprintf(&b, "commit %s FAILED after %d attempt(s): %s\n", c.TicketID, c.Attempts, c.Error)
	}
	for _, e := range s.PushErrors {
		fmt.Fprintf(&b, "push failed: %s\n", e)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
