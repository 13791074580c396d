package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/store"
	"github.com/Iron-Ham/ticketflow/internal/testutil"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

const (
	root = "/proj"
	dir  = "/proj/.ticketflow/checkpoints"
)

func componentTicket() *ticket.Ticket {
	tk := testutil.NewTicket("T-1", ticket.P1)
	tk.Tasks = []ticket.Task{testutil.GenericTask("a"), testutil.GenericTask("b"), testutil.GenericTask("c")}
	tk.Components = []ticket.Component{
		{Name: "api", Status: ticket.TaskUnprocessed, TaskIDs: []string{"a", "b"}, Files: []string{"api/handler.go", "api/new.go"}},
		{Name: "ui", Status: ticket.TaskUnprocessed, TaskIDs: []string{"c"}, Files: []string{"ui/view.tsx"}},
	}
	return tk
}

type harness struct {
	fs    afero.Fs
	store *store.MemoryStore
	mgr   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	write(t, fs, "api/handler.go", "package api // v1\n")
	write(t, fs, "ui/view.tsx", "export const View = 1\n")

	mem := store.NewMemoryStore([]*ticket.Ticket{componentTicket()}, store.WithClock(testutil.Clock()))
	n := 0
	mgr := NewManager(fs, root, dir, mem,
		WithClock(testutil.Clock()),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("cp-%d", n) }),
	)
	return &harness{fs: fs, store: mem, mgr: mgr}
}

func write(t *testing.T, fs afero.Fs, rel, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, filepath.Join(root, rel), []byte(content), 0o644))
}

func read(t *testing.T, fs afero.Fs, rel string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, filepath.Join(root, rel))
	require.NoError(t, err)
	return string(data)
}

func exists(fs afero.Fs, rel string) bool {
	ok, _ := afero.Exists(fs, filepath.Join(root, rel))
	return ok
}

// simulateWork changes files and completes the component's tasks.
func simulateWork(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	write(t, h.fs, "api/handler.go", "package api // v2\n")
	write(t, h.fs, "api/new.go", "package api // new\n")
	write(t, h.fs, "ui/view.tsx", "export const View = 2\n")
	_, err := store.UpdateWithRetry(ctx, h.store, "T-1", func(tk *ticket.Ticket) error {
		require.NoError(t, tk.Start(testutil.Epoch))
		for _, id := range []string{"a", "b", "c"} {
			tk.Task(id).AttemptCount = 2
			tk.Task(id).CompleteTask()
		}
		tk.Component("api").Status = ticket.TaskCompleted
		tk.Component("api").CheckpointID = ticket.String("cp-1")
		tk.Component("ui").Status = ticket.TaskCompleted
		return nil
	})
	require.NoError(t, err)
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	id, err := h.mgr.Create(context.Background(), ComponentScope("T-1", "api"))
	require.NoError(t, err)
	require.Equal(t, "cp-1", id)

	cp, err := h.mgr.Get(id)
	require.NoError(t, err)
	require.Equal(t, ComponentScope("T-1", "api"), cp.Scope)
	require.Len(t, cp.Files, 2)
	require.Equal(t, "api/handler.go", cp.Files[0].Path)
	require.False(t, cp.Files[0].Absent)
	require.Equal(t, hashContent([]byte("package api // v1\n")), cp.Files[0].Hash)
	require.True(t, cp.Files[1].Absent, "api/new.go did not exist yet")
	require.Equal(t, []string{"a", "b"}, cp.TaskIDs())
	require.False(t, cp.Archived)

	blob := filepath.Join(dir, id, blobsDir, cp.Files[0].Hash+".zst")
	ok, _ := afero.Exists(h.fs, blob)
	require.True(t, ok, "blob should be stored")
}

func TestCreate_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.mgr.Create(ctx, ComponentScope("T-1", "missing"))
	require.ErrorIs(t, err, errors.ErrNotFound)

	_, err = h.mgr.Create(ctx, TicketScope("nope"))
	require.ErrorIs(t, err, errors.ErrNotFound)

	_, err = store.UpdateWithRetry(ctx, h.store, "T-1", func(tk *ticket.Ticket) error {
		tk.Component("ui").Files = []string{"../outside.txt"}
		return nil
	})
	require.NoError(t, err)
	_, err = h.mgr.Create(ctx, ComponentScope("T-1", "ui"))
	var cfgErr *errors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	before, err := h.store.Get(ctx, "T-1")
	require.NoError(t, err)
	id, err := h.mgr.Create(ctx, ComponentScope("T-1", "api"))
	require.NoError(t, err)

	report, err := h.mgr.Restore(ctx, id, ModeComponent)
	require.NoError(t, err)
	require.Equal(t, 1, report.FilesRestored)
	require.Equal(t, 1, report.FilesRemoved)

	require.Equal(t, "package api // v1\n", read(t, h.fs, "api/handler.go"))
	require.False(t, exists(h.fs, "api/new.go"))

	after, err := h.store.Get(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, before.Tasks, after.Tasks)
	require.Equal(t, before.Components, after.Components)
	require.Equal(t, before.State, after.State)
}

func TestRestore_ComponentLeavesSiblingsAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.mgr.Create(ctx, ComponentScope("T-1", "api"))
	require.NoError(t, err)
	simulateWork(t, h)

	report, err := h.mgr.Restore(ctx, id, ModeFull)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, report.TasksReset)

	require.Equal(t, "package api // v1\n", read(t, h.fs, "api/handler.go"))
	require.False(t, exists(h.fs, "api/new.go"), "file created after the checkpoint is removed")
	require.Equal(t, "export const View = 2\n", read(t, h.fs, "ui/view.tsx"), "sibling files untouched")

	tk, err := h.store.Get(ctx, "T-1")
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		require.Equal(t, ticket.TaskUnprocessed, tk.Task(id).Status)
		require.Zero(t, tk.Task(id).AttemptCount)
	}
	require.Equal(t, ticket.TaskCompleted, tk.Task("c").Status, "sibling task untouched")
	require.Equal(t, ticket.TaskUnprocessed, tk.Component("api").Status)
	require.Nil(t, tk.Component("api").CheckpointID)
	require.Equal(t, ticket.TaskCompleted, tk.Component("ui").Status)
	require.Equal(t, ticket.StateInProgress, tk.State, "ticket state is not rewound")

	ok, _ := afero.Exists(h.fs, filepath.Join(dir, restoreDir))
	require.False(t, ok, "work dir cleaned up")
}

func TestRestore_Modes(t *testing.T) {
	ctx := context.Background()

	t.Run("files-only keeps state", func(t *testing.T) {
		h := newHarness(t)
		id, err := h.mgr.Create(ctx, TicketScope("T-1"))
		require.NoError(t, err)
		simulateWork(t, h)

		_, err = h.mgr.Restore(ctx, id, ModeFilesOnly)
		require.NoError(t, err)
		require.Equal(t, "export const View = 1\n", read(t, h.fs, "ui/view.tsx"))
		tk, _ := h.store.Get(ctx, "T-1")
		require.Equal(t, ticket.TaskCompleted, tk.Task("a").Status)
	})

	t.Run("state-only keeps files", func(t *testing.T) {
		h := newHarness(t)
		id, err := h.mgr.Create(ctx, TicketScope("T-1"))
		require.NoError(t, err)
		simulateWork(t, h)

		report, err := h.mgr.Restore(ctx, id, ModeStateOnly)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, report.TasksReset)
		require.Equal(t, "export const View = 2\n", read(t, h.fs, "ui/view.tsx"))
		tk, _ := h.store.Get(ctx, "T-1")
		require.Equal(t, ticket.TaskUnprocessed, tk.Task("c").Status)
	})

	t.Run("component mode needs a component checkpoint", func(t *testing.T) {
		h := newHarness(t)
		id, err := h.mgr.Create(ctx, TicketScope("T-1"))
		require.NoError(t, err)
		_, err = h.mgr.Restore(ctx, id, ModeComponent)
		require.ErrorIs(t, err, errors.ErrInvalidInput)
	})

	t.Run("completed ticket refuses state restore", func(t *testing.T) {
		h := newHarness(t)
		id, err := h.mgr.Create(ctx, TicketScope("T-1"))
		require.NoError(t, err)
		simulateWork(t, h)
		_, err = store.UpdateWithRetry(ctx, h.store, "T-1", func(tk *ticket.Ticket) error {
			return tk.Complete(testutil.Epoch)
		})
		require.NoError(t, err)

		_, err = h.mgr.Restore(ctx, id, ModeFull)
		require.ErrorIs(t, err, errors.ErrInvalidTransition)
		require.Equal(t, "export const View = 2\n", read(t, h.fs, "ui/view.tsx"), "nothing touched")
	})
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeFull},
		{in: "full", want: ModeFull},
		{in: "component", want: ModeComponent},
		{in: "files-only", want: ModeFilesOnly},
		{in: "state-only", want: ModeStateOnly},
		{in: "everything", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

// failingStore rejects every write.
type failingStore struct {
	store.Store
}

func (f failingStore) Upsert(context.Context, *ticket.Ticket, ticket.State) error {
	return errors.New("disk full")
}

func TestRestore_StateFailureRollsBackFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, err := h.mgr.Create(ctx, ComponentScope("T-1", "api"))
	require.NoError(t, err)
	simulateWork(t, h)

	broken := NewManager(h.fs, root, dir, failingStore{h.store})
	_, err = broken.Restore(ctx, id, ModeFull)
	require.ErrorIs(t, err, errors.ErrRestoreFailed)
	require.False(t, errors.IsFatal(err), "a clean rollback is not fatal")

	require.Equal(t, "package api // v2\n", read(t, h.fs, "api/handler.go"), "files rolled back")
	require.Equal(t, "package api // new\n", read(t, h.fs, "api/new.go"))
	tk, _ := h.store.Get(ctx, "T-1")
	require.Equal(t, ticket.TaskCompleted, tk.Task("a").Status)
}

func TestRestore_CorruptBlob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, err := h.mgr.Create(ctx, ComponentScope("T-1", "api"))
	require.NoError(t, err)
	simulateWork(t, h)

	cp, err := h.mgr.Get(id)
	require.NoError(t, err)
	blob := filepath.Join(dir, id, blobsDir, cp.Files[0].Hash+".zst")
	require.NoError(t, afero.WriteFile(h.fs, blob, compress([]byte("tampered")), 0o644))

	_, err = h.mgr.Restore(ctx, id, ModeFull)
	require.ErrorIs(t, err, errors.ErrCheckpointCorrupt)
	require.Equal(t, "package api // v2\n", read(t, h.fs, "api/handler.go"), "nothing swapped")
	tk, _ := h.store.Get(ctx, "T-1")
	require.Equal(t, ticket.TaskCompleted, tk.Task("a").Status, "state untouched")
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing pending", func(t *testing.T) {
		h := newHarness(t)
		id, err := h.mgr.Recover(ctx)
		require.NoError(t, err)
		require.Empty(t, id)
	})

	t.Run("interrupted swap is rolled back", func(t *testing.T) {
		h := newHarness(t)
		id, err := h.mgr.Create(ctx, ComponentScope("T-1", "api"))
		require.NoError(t, err)
		simulateWork(t, h)

		// A crash after the backup and a partial swap.
		work := filepath.Join(dir, restoreDir)
		cp, _ := h.mgr.Get(id)
		j, err := h.mgr.backup(cp, ModeFull, work)
		require.NoError(t, err)
		require.Equal(t, stageSwap, j.Stage)
		write(t, h.fs, "api/handler.go", "package api // v1\n")

		got, err := h.mgr.Recover(ctx)
		require.NoError(t, err)
		require.Equal(t, id, got)
		require.Equal(t, "package api // v2\n", read(t, h.fs, "api/handler.go"))
		require.Equal(t, "package api // new\n", read(t, h.fs, "api/new.go"))
		ok, _ := afero.Exists(h.fs, work)
		require.False(t, ok)
	})

	t.Run("interrupted state reset is finished", func(t *testing.T) {
		h := newHarness(t)
		id, err := h.mgr.Create(ctx, ComponentScope("T-1", "api"))
		require.NoError(t, err)
		simulateWork(t, h)

		work := filepath.Join(dir, restoreDir)
		cp, _ := h.mgr.Get(id)
		require.NoError(t, h.mgr.stage(cp, work))
		j, err := h.mgr.backup(cp, ModeFull, work)
		require.NoError(t, err)
		require.NoError(t, h.mgr.swap(cp, work, &Report{}))
		j.Stage = stageState
		data, _ := json.Marshal(j)
		require.NoError(t, afero.WriteFile(h.fs, filepath.Join(work, "journal.json"), data, 0o644))

		_, err = h.mgr.Restore(ctx, id, ModeFull)
		require.ErrorIs(t, err, errors.ErrRestoreFailed, "pending journal blocks new restores")

		_, err = h.mgr.Recover(ctx)
		require.NoError(t, err)
		require.Equal(t, "package api // v1\n", read(t, h.fs, "api/handler.go"))
		tk, _ := h.store.Get(ctx, "T-1")
		require.Equal(t, ticket.TaskUnprocessed, tk.Task("a").Status)
		require.Equal(t, ticket.TaskCompleted, tk.Task("c").Status)
	})
}

func TestArchiveAndList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.mgr.Create(ctx, ComponentScope("T-1", "api"))
	require.NoError(t, err)
	second, err := h.mgr.Create(ctx, ComponentScope("T-1", "api"))
	require.NoError(t, err)
	third, err := h.mgr.Create(ctx, TicketScope("T-1"))
	require.NoError(t, err)

	latest, err := h.mgr.Latest(ComponentScope("T-1", "api"))
	require.NoError(t, err)
	require.Equal(t, second, latest.ID)

	require.NoError(t, h.mgr.Archive(first))
	require.NoError(t, h.mgr.Archive(first), "archiving twice is a no-op")
	require.ErrorIs(t, h.mgr.Archive("missing"), errors.ErrNotFound)

	live, err := h.mgr.List(false)
	require.NoError(t, err)
	require.Len(t, live, 2)
	require.Equal(t, second, live[0].ID)
	require.Equal(t, third, live[1].ID)

	all, err := h.mgr.List(true)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, first, all[0].ID)
	require.True(t, all[0].Archived)

	cp, err := h.mgr.Get(first)
	require.NoError(t, err)
	require.True(t, cp.Archived)
	require.Len(t, cp.Files, 2, "archived checkpoints stay readable")

	_, err = h.mgr.Restore(ctx, first, ModeFull)
	require.ErrorIs(t, err, errors.ErrCheckpointArchived)
}

func TestRestoreComponent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.mgr.Create(ctx, ComponentScope("T-1", "api"))
	require.NoError(t, err)
	require.Equal(t, "cp-1", id)
	simulateWork(t, h) // records cp-1 on the api component

	report, err := h.mgr.RestoreComponent(ctx, "T-1", "api", "")
	require.NoError(t, err)
	require.Equal(t, "cp-1", report.CheckpointID)
	require.Equal(t, ModeComponent, report.Mode)

	_, err = h.mgr.RestoreComponent(ctx, "T-1", "nope", "")
	require.ErrorIs(t, err, errors.ErrNotFound)
}
