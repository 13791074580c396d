package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// MaxConflictRetries bounds how often UpdateWithRetry re-reads after a
// conflicting write.
const MaxConflictRetries = 5

func newConflictBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(bo, MaxConflictRetries)
}

// UpdateWithRetry reads ticket id, applies fn to the copy and writes it back
// expecting the state that was read. On a conflict it starts over from a
// fresh read, up to MaxConflictRetries times, then returns the conflict.
// Errors from fn are returned as-is without retrying.
func UpdateWithRetry(ctx context.Context, s Store, id string, fn func(*ticket.Ticket) error) (*ticket.Ticket, error) {
	var result *ticket.Ticket
	op := func() error {
		t, err := s.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		expected := t.State
		if err := fn(t); err != nil {
			return backoff.Permanent(err)
		}
		if err := s.Upsert(ctx, t, expected); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = t
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(newConflictBackoff(), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}
