package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

const lockRetryDelay = 25 * time.Millisecond

// FileStore keeps the canonical ticket index in a JSON file.
//
// Every mutation is a read-modify-write of the whole index, done under an
// exclusive flock on "<path>.lock" and persisted with an atomic rename, so
// other processes never observe a partial file. Nothing is buffered in
// memory between calls.
type FileStore struct {
	path string
	lock *flock.Flock
	mu   sync.RWMutex
	now  func() time.Time
}

// NewFileStore opens the index at path, creating its directory if needed.
// An existing index is loaded once so schema problems surface immediately.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	o := buildOptions(opts)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	s := &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  o.now,
	}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the index file path.
func (s *FileStore) Path() string {
	return s.path
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string) (*ticket.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.load()
	if err != nil {
		return nil, err
	}
	t, ok := idx.byID()[id]
	if !ok {
		return nil, errors.NewNotFoundError("ticket", id)
	}
	return t, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]*ticket.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.load()
	if err != nil {
		return nil, err
	}
	return cloneSorted(idx.byID()), nil
}

// Upsert implements Store.
func (s *FileStore) Upsert(ctx context.Context, t *ticket.Ticket, expected ticket.State) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, func(tickets map[string]*ticket.Ticket) error {
		if err := checkExpected(tickets, t, expected); err != nil {
			return err
		}
		tickets[t.ID] = t.Clone()
		return nil
	})
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, t *ticket.Ticket) error {
	nt, err := prepareNew(t, s.now())
	if err != nil {
		return err
	}
	return s.Upsert(ctx, nt, "")
}

// ListReady implements Store.
func (s *FileStore) ListReady(ctx context.Context) ([]*ticket.Ticket, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return Ready(all), nil
}

// AppendHistory implements Store.
func (s *FileStore) AppendHistory(ctx context.Context, id string, state ticket.State) error {
	return s.mutate(ctx, func(tickets map[string]*ticket.Ticket) error {
		t, ok := tickets[id]
		if !ok {
			return errors.NewNotFoundError("ticket", id)
		}
		return t.Transition(state, s.now())
	})
}

// mutate runs fn over the freshly loaded index under both the in-process
// and the cross-process lock, then persists the result.
func (s *FileStore) mutate(ctx context.Context, fn func(map[string]*ticket.Ticket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire index lock: %w", errors.ErrTimeout)
	}
	defer func() { _ = s.lock.Unlock() }()

	idx, err := s.load()
	if err != nil {
		return err
	}
	tickets := idx.byID()
	if err := fn(tickets); err != nil {
		return err
	}
	return s.write(tickets)
}

func (s *FileStore) load() (*Index, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return &Index{Version: IndexVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ticket index: %w", err)
	}
	defer func() { _ = f.Close() }()
	return DecodeIndex(f)
}

func (s *FileStore) write(tickets map[string]*ticket.Ticket) error {
	idx := Index{Version: IndexVersion}
	for _, t := range tickets {
		idx.Tickets = append(idx.Tickets, t)
	}
	var buf bytes.Buffer
	if err := idx.Encode(&buf); err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path, &buf); err != nil {
		return fmt.Errorf("write ticket index: %w", err)
	}
	return nil
}
