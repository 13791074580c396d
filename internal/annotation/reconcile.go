package annotation

import (
	"context"
	"os"
	"time"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/event"
	"github.com/Iron-Ham/ticketflow/internal/logging"
	"github.com/Iron-Ham/ticketflow/internal/store"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// Report summarizes one reconciliation pass.
type Report struct {
	// Exported lists tickets whose annotation file was created.
	Exported []string
	// Updated lists tickets whose canonical record took user edits.
	Updated []string
	// Rewritten lists tickets whose existing file was refreshed.
	Rewritten []string
	Conflicts []Conflict
	// Orphans are annotation files with no matching ticket.
	Orphans []string
	// Errors holds unreadable annotation files; those files are left as is.
	Errors []error
}

// Reconciler merges annotation files into the store and refreshes them.
type Reconciler struct {
	store    store.Store
	exporter *Exporter
	bus      *event.Bus
	now      func() time.Time
	logger   *logging.Logger
}

// Option is a functional option for configuring Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger for the reconciler.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithBus publishes an event per conflict.
func WithBus(bus *event.Bus) Option {
	return func(r *Reconciler) {
		r.bus = bus
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// NewReconciler creates a Reconciler.
func NewReconciler(st store.Store, exp *Exporter, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    st,
		exporter: exp,
		now:      time.Now,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile runs one pass over every ticket. Only store failures abort the
// pass; a malformed annotation file is reported and skipped.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	tickets, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	known := make(map[string]bool, len(tickets))

	for _, t := range tickets {
		known[t.ID] = true
		if err := r.reconcileOne(ctx, t, report); err != nil {
			return report, err
		}
	}

	ids, err := r.exporter.IDs()
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		if !known[id] {
			report.Orphans = append(report.Orphans, id)
			r.logger.Warn("annotation has no matching ticket", "ticket_id", id, "path", r.exporter.Path(id))
		}
	}

	r.logger.Info("annotations reconciled",
		"exported", len(report.Exported),
		"updated", len(report.Updated),
		"rewritten", len(report.Rewritten),
		"conflicts", len(report.Conflicts),
		"orphans", len(report.Orphans),
		"errors", len(report.Errors),
	)
	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, t *ticket.Ticket, report *Report) error {
	human, err := r.exporter.Read(t.ID)
	if errors.Is(err, os.ErrNotExist) {
		written, err := r.exporter.Write(t)
		if err != nil {
			return err
		}
		if written {
			report.Exported = append(report.Exported, t.ID)
		}
		return nil
	}
	if err != nil {
		report.Errors = append(report.Errors, err)
		r.logger.Warn("skipping unreadable annotation", "ticket_id", t.ID, "error", err.Error())
		return nil
	}

	at := r.now().UTC()
	deps, err := r.dependencyStates(ctx, t)
	if err != nil {
		return err
	}
	result, conflicts := Merge(t, human, at, deps)
	final := t
	if result.Changed {
		// Merge again against a fresh read so a concurrent writer is not
		// overwritten.
		final, err = store.UpdateWithRetry(ctx, r.store, t.ID, func(cur *ticket.Ticket) error {
			deps, err := r.dependencyStates(ctx, cur)
			if err != nil {
				return err
			}
			fresh, c := Merge(cur, human, at, deps)
			conflicts = c
			*cur = *fresh.Ticket
			return nil
		})
		if err != nil {
			return err
		}
		report.Updated = append(report.Updated, t.ID)
	}

	for _, c := range conflicts {
		report.Conflicts = append(report.Conflicts, c)
		r.logger.Warn("annotation conflict",
			"ticket_id", c.TicketID,
			"field", string(c.Field),
			"canonical", c.Canonical,
			"human", c.Human,
			"winner", c.Winner,
			"reason", c.Reason,
		)
		if r.bus != nil {
			r.bus.Publish(event.NewAnnotationConflictEvent(c.TicketID, string(c.Field), c.Canonical, c.Human, c.Winner))
		}
	}

	written, err := r.exporter.Write(final)
	if err != nil {
		return err
	}
	if written {
		report.Rewritten = append(report.Rewritten, t.ID)
	}
	return nil
}

// dependencyStates reads the current state of each of t's dependencies.
// Unknown dependencies are left out and so count as unmet.
func (r *Reconciler) dependencyStates(ctx context.Context, t *ticket.Ticket) (map[string]ticket.State, error) {
	states := make(map[string]ticket.State, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		d, err := r.store.Get(ctx, dep)
		if errors.Is(err, errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		states[dep] = d.State
	}
	return states, nil
}
