// Package store persists tickets and enforces optimistic-concurrency writes.
//
// Two implementations satisfy [Store]: [MemoryStore] for tests and dry runs,
// and [FileStore], which keeps the canonical JSON index on disk and writes
// every mutation through immediately. Both hand out deep copies, so a caller
// can never mutate stored state in place.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// Store is the durable record of tickets.
type Store interface {
	// Get returns a copy of the ticket, or an error wrapping errors.ErrNotFound.
	Get(ctx context.Context, id string) (*ticket.Ticket, error)

	// List returns copies of every ticket sorted by id.
	List(ctx context.Context) ([]*ticket.Ticket, error)

	// Upsert stores t if the stored state equals expected. An empty expected
	// state means the ticket must not exist yet. A mismatch returns a
	// ConflictError wrapping errors.ErrConflict. A state change off the
	// state machine, or one that rewrites StateHistory instead of appending
	// to it, wraps errors.ErrInvalidTransition.
	Upsert(ctx context.Context, t *ticket.Ticket, expected ticket.State) error

	// Create adds a new UNPROCESSED ticket.
	Create(ctx context.Context, t *ticket.Ticket) error

	// ListReady returns UNPROCESSED tickets whose dependencies are all
	// COMPLETED, P0 first, then by id.
	ListReady(ctx context.Context) ([]*ticket.Ticket, error)

	// AppendHistory moves the ticket to state through the state machine,
	// appending one history entry.
	AppendHistory(ctx context.Context, id string, state ticket.State) error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryStore keeps tickets in a map guarded by a RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	tickets map[string]*ticket.Ticket
	now     func() time.Time
}

// NewMemoryStore returns a store seeded with copies of tickets.
func NewMemoryStore(tickets []*ticket.Ticket, opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	m := &MemoryStore{
		tickets: make(map[string]*ticket.Ticket, len(tickets)),
		now:     o.now,
	}
	for _, t := range tickets {
		m.tickets[t.ID] = t.Clone()
	}
	return m
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id string) (*ticket.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tickets[id]
	if !ok {
		return nil, errors.NewNotFoundError("ticket", id)
	}
	return t.Clone(), nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context) ([]*ticket.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSorted(m.tickets), nil
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(ctx context.Context, t *ticket.Ticket, expected ticket.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkExpected(m.tickets, t, expected); err != nil {
		return err
	}
	m.tickets[t.ID] = t.Clone()
	return nil
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, t *ticket.Ticket) error {
	nt, err := prepareNew(t, m.now())
	if err != nil {
		return err
	}
	return m.Upsert(ctx, nt, "")
}

// ListReady implements Store.
func (m *MemoryStore) ListReady(ctx context.Context) ([]*ticket.Ticket, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	return Ready(all), nil
}

// AppendHistory implements Store.
func (m *MemoryStore) AppendHistory(ctx context.Context, id string, state ticket.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[id]
	if !ok {
		return errors.NewNotFoundError("ticket", id)
	}
	next := t.Clone()
	if err := next.Transition(state, m.now()); err != nil {
		return err
	}
	m.tickets[id] = next
	return nil
}

// Ready filters tickets down to the UNPROCESSED ones whose dependencies are
// all COMPLETED, ordered P0 first, then by id. Dependencies on ids missing
// from tickets count as unmet.
func Ready(tickets []*ticket.Ticket) []*ticket.Ticket {
	states := make(map[string]ticket.State, len(tickets))
	for _, t := range tickets {
		states[t.ID] = t.State
	}

	var ready []*ticket.Ticket
	for _, t := range tickets {
		if t.State != ticket.StateUnprocessed {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			if states[dep] != ticket.StateCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	SortByPriority(ready)
	return ready
}

// SortByPriority orders tickets P0 first, then by id ascending.
func SortByPriority(tickets []*ticket.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		if tickets[i].Priority != tickets[j].Priority {
			return tickets[i].Priority < tickets[j].Priority
		}
		return tickets[i].ID < tickets[j].ID
	})
}

func checkExpected(tickets map[string]*ticket.Ticket, t *ticket.Ticket, expected ticket.State) error {
	cur, exists := tickets[t.ID]
	switch {
	case !exists && expected == "":
		return nil
	case !exists:
		return errors.NewConflictError(t.ID, string(expected), "")
	case cur.State != expected:
		return errors.NewConflictError(t.ID, string(expected), string(cur.State))
	}
	return checkProgress(cur, t)
}

// checkProgress rejects a write that would move next off the state machine
// or rewrite the history of cur. A state change must append exactly one
// entry recording the new state.
func checkProgress(cur, next *ticket.Ticket) error {
	if len(next.StateHistory) < len(cur.StateHistory) {
		return errors.Wrapf(errors.ErrInvalidTransition, "%s: write would drop %d history entries",
			next.ID, len(cur.StateHistory)-len(next.StateHistory))
	}
	for i, h := range cur.StateHistory {
		n := next.StateHistory[i]
		if n.State != h.State || !n.Timestamp.Equal(h.Timestamp) {
			return errors.Wrapf(errors.ErrInvalidTransition, "%s: history entry %d was rewritten", next.ID, i)
		}
	}
	added := next.StateHistory[len(cur.StateHistory):]
	if next.State == cur.State {
		if len(added) > 0 {
			return errors.Wrapf(errors.ErrInvalidTransition, "%s: history grew while staying %s", next.ID, next.State)
		}
		return nil
	}
	if !ticket.CanTransition(cur.State, next.State) {
		return errors.Wrapf(errors.ErrInvalidTransition, "%s cannot move from %s to %s", next.ID, cur.State, next.State)
	}
	if len(added) != 1 || added[0].State != next.State {
		return errors.Wrapf(errors.ErrInvalidTransition, "%s: moving to %s must append one history entry", next.ID, next.State)
	}
	return nil
}

func prepareNew(t *ticket.Ticket, now time.Time) (*ticket.Ticket, error) {
	nt := t.Clone()
	if nt.State == "" {
		nt.State = ticket.StateUnprocessed
	}
	if nt.State != ticket.StateUnprocessed {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "new ticket %s must be UNPROCESSED, got %s", nt.ID, nt.State)
	}
	if nt.CreatedAt.IsZero() {
		nt.CreatedAt = now
	}
	if nt.UpdatedAt.IsZero() {
		nt.UpdatedAt = nt.CreatedAt
	}
	for i := range nt.Tasks {
		if nt.Tasks[i].Status == "" {
			nt.Tasks[i].Status = ticket.TaskUnprocessed
		}
	}
	for i := range nt.Components {
		if nt.Components[i].Status == "" {
			nt.Components[i].Status = ticket.TaskUnprocessed
		}
	}
	return nt, nil
}

func cloneSorted(tickets map[string]*ticket.Ticket) []*ticket.Ticket {
	out := make([]*ticket.Ticket, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
