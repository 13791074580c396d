// Package commitlog applies the persistent changes of a batch to shared
// history one at a time.
//
// Workers finish in arbitrary order; the serializer sorts their changes by
// priority then ticket id so that history does not depend on timing. A
// commit that keeps failing is reported and skipped; it never holds up the
// changes queued behind it.
package commitlog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/logging"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
	"github.com/Iron-Ham/ticketflow/internal/vcs"
)

// DefaultMaxAttempts bounds commit attempts per change.
const DefaultMaxAttempts = 3

// Change is the persistent result of one completed ticket.
type Change struct {
	TicketID string
	Title    string
	Priority ticket.Priority
	Files    []string
}

// ChangeFor builds the change for a completed ticket.
func ChangeFor(t *ticket.Ticket, files []string) Change {
	return Change{TicketID: t.ID, Title: t.Title, Priority: t.Priority, Files: files}
}

// Message is the commit message for c.
func (c Change) Message() string {
	return fmt.Sprintf("%s: %s", c.TicketID, c.Title)
}

// Result is the outcome of one change.
type Result struct {
	TicketID string
	CommitID string
	Attempts int
	// Empty means the change had nothing to record; CommitID is "" and Err
	// is nil.
	Empty bool
	Err   error
}

// Report lists results in the order the changes were applied.
type Report struct {
	Results []Result
}

// Committed returns the results that produced a commit.
func (r Report) Committed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err == nil && !res.Empty {
			out = append(out, res)
		}
	}
	return out
}

// Failed returns the results whose commit never succeeded.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Recorder persists journal entries. *Journal implements it.
type Recorder interface {
	Record(ctx context.Context, e Entry) (int64, error)
}

// Serializer owns the shared history. Only one Apply runs at a time.
type Serializer struct {
	vc          vcs.VersionControl
	journal     Recorder
	maxAttempts int
	newBackoff  func() backoff.BackOff
	logger      *logging.Logger

	mu sync.Mutex
}

// Option is a functional option for configuring Serializer.
type Option func(*Serializer)

// WithJournal records every attempted commit.
func WithJournal(r Recorder) Option {
	return func(s *Serializer) {
		s.journal = r
	}
}

// WithMaxAttempts bounds attempts per change.
func WithMaxAttempts(n int) Option {
	return func(s *Serializer) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff overrides the delay between attempts of one change.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(s *Serializer) {
		s.newBackoff = fn
	}
}

// WithLogger sets the logger for the serializer.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Serializer) {
		s.logger = logger
	}
}

// NewSerializer creates a Serializer committing through vc.
func NewSerializer(vc vcs.VersionControl, opts ...Option) *Serializer {
	s := &Serializer{
		vc:          vc,
		maxAttempts: DefaultMaxAttempts,
		newBackoff:  defaultBackoff,
		logger:      logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Sort orders changes by priority (P0 first) then ticket id.
func Sort(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Priority != changes[j].Priority {
			return changes[i].Priority < changes[j].Priority
		}
		return changes[i].TicketID < changes[j].TicketID
	})
}

// Apply commits changes one at a time in deterministic order. The input
// slice is not modified. A cancelled context fails the remaining changes.
func (s *Serializer) Apply(ctx context.Context, changes []Change) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := append([]Change(nil), changes...)
	Sort(ordered)

	report := Report{Results: make([]Result, 0, len(ordered))}
	for _, c := range ordered {
		res := s.commit(ctx, c)
		report.Results = append(report.Results, res)
		s.record(ctx, c, res)
	}
	return report
}

func (s *Serializer) commit(ctx context.Context, c Change) Result {
	res := Result{TicketID: c.TicketID}
	msg := c.Message()
	if len(c.Files) == 0 {
		res.Empty = true
		s.logger.Info("nothing to commit", "ticket_id", c.TicketID)
		return res
	}

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		res.Attempts++
		id, err := s.vc.Commit(ctx, c.Files, msg)
		if errors.Is(err, errors.ErrNothingToCommit) {
			res.Empty = true
			return nil
		}
		if err != nil {
			return err
		}
		res.CommitID = id
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("commit failed, retrying",
			"ticket_id", c.TicketID,
			"attempt", res.Attempts,
			"max_attempts", s.maxAttempts,
			"wait", wait.String(),
			"error", err.Error(),
		)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(s.newBackoff(), uint64(s.maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		res.Err = err
		s.logger.Error("commit failed",
			"ticket_id", c.TicketID,
			"attempts", res.Attempts,
			"error", err.Error(),
		)
		return res
	}
	if res.Empty {
		s.logger.Info("nothing to commit", "ticket_id", c.TicketID, "files", len(c.Files))
		return res
	}
	s.logger.Info("committed",
		"ticket_id", c.TicketID,
		"commit", res.CommitID,
		"files", len(c.Files),
	)
	return res
}

func (s *Serializer) record(ctx context.Context, c Change, res Result) {
	if s.journal == nil || res.Empty {
		return
	}
	e := Entry{
		TicketID: c.TicketID,
		CommitID: res.CommitID,
		Message:  c.Message(),
		Files:    c.Files,
		Status:   StatusCommitted,
	}
	if res.Err != nil {
		e.Status = StatusFailed
		e.Error = res.Err.Error()
	}
	// The journal is history, so it is written even after cancellation.
	if _, err := s.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Error("failed to journal commit", "ticket_id", c.TicketID, "error", err.Error())
	}
}

// Commit records one change outside a batch, such as an auto-fix, under the
// same lock as Apply. It makes a single attempt; the caller owns retries.
// With Diff and CurrentBranch it lets a Serializer stand in for the
// VersionControl it wraps. An empty commit is returned as
// errors.ErrNothingToCommit and not journaled.
func (s *Serializer) Commit(ctx context.Context, files []string, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.vc.Commit(ctx, files, message)
	if errors.Is(err, errors.ErrNothingToCommit) {
		return "", err
	}
	if s.journal != nil {
		e := Entry{
			TicketID: TicketOf(message),
			CommitID: id,
			Message:  message,
			Files:    files,
			Status:   StatusCommitted,
		}
		if err != nil {
			e.Status = StatusFailed
			e.Error = err.Error()
		}
		if _, jerr := s.journal.Record(context.WithoutCancel(ctx), e); jerr != nil {
			s.logger.Error("failed to journal commit", "ticket_id", e.TicketID, "error", jerr.Error())
		}
	}
	return id, err
}

// Diff returns the wrapped working tree diff.
func (s *Serializer) Diff(ctx context.Context) (string, error) {
	return s.vc.Diff(ctx)
}

// CurrentBranch returns the wrapped branch.
func (s *Serializer) CurrentBranch(ctx context.Context) (string, error) {
	return s.vc.CurrentBranch(ctx)
}

// TicketOf extracts the ticket id from a commit message of the form
// "<id>: <title>" or "fix(<id>/<task>): ...". It returns "" otherwise.
func TicketOf(message string) string {
	subject, _, ok := strings.Cut(message, ":")
	if !ok {
		return ""
	}
	if inner, found := strings.CutPrefix(subject, "fix("); found {
		inner = strings.TrimSuffix(inner, ")")
		id, _, _ := strings.Cut(inner, "/")
		return id
	}
	if strings.ContainsAny(subject, " \t") {
		return ""
	}
	return subject
}

// Summary renders a short human-readable line per result.
func (r Report) Summary() string {
	var b strings.Builder
	for _, res := range r.Results {
		if res.Err != nil {
			fmt.Fprintf(&b, "%s: FAILED after %d attempt(s): %v\n", res.TicketID, res.Attempts, res.Err)
			continue
		}
		if res.Empty {
			fmt.Fprintf(&b, "%s: nothing to commit\n", res.TicketID)
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", res.TicketID, res.CommitID)
	}
	return b.String()
}
