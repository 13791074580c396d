package annotation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	tferrors "github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/event"
	"github.com/Iron-Ham/ticketflow/internal/store"
	"github.com/Iron-Ham/ticketflow/internal/testutil"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

var mergeAt = testutil.Epoch.Add(time.Hour)

func canonical() *ticket.Ticket {
	t := testutil.NewTicket("T-1", ticket.P2, "T-0")
	t.Notes = "original"
	t.CommitRefs = []string{"abc"}
	t.CreatedAt = testutil.Epoch
	t.UpdatedAt = testutil.Epoch
	return t
}

func fieldsOf(cs []Conflict) map[Field]Conflict {
	out := make(map[Field]Conflict, len(cs))
	for _, c := range cs {
		out[c.Field] = c
	}
	return out
}

func TestMerge_UnchangedFileHasNoConflicts(t *testing.T) {
	c := canonical()
	res, conflicts := Merge(c, FromTicket(c), mergeAt, nil)
	if res.Changed {
		t.Error("Changed = true for an untouched annotation")
	}
	if len(conflicts) != 0 {
		t.Errorf("conflicts = %v", conflicts)
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name        string
		edit        func(a *Annotation)
		deps        map[string]ticket.State
		wantChanged bool
		wantWinners map[Field]string
		check       func(t *testing.T, got *ticket.Ticket)
	}{
		{
			name:        "user priority wins",
			edit:        func(a *Annotation) { a.Priority = "p0" },
			wantChanged: true,
			wantWinners: map[Field]string{FieldPriority: WinnerHuman},
			check: func(t *testing.T, got *ticket.Ticket) {
				if got.Priority != ticket.P0 {
					t.Errorf("Priority = %s, want P0", got.Priority)
				}
				if !got.UpdatedAt.Equal(mergeAt) {
					t.Errorf("UpdatedAt = %v, want merge time", got.UpdatedAt)
				}
			},
		},
		{
			name:        "invalid priority loses",
			edit:        func(a *Annotation) { a.Priority = "urgent" },
			wantWinners: map[Field]string{FieldPriority: WinnerCanonical},
			check: func(t *testing.T, got *ticket.Ticket) {
				if got.Priority != ticket.P2 {
					t.Errorf("Priority = %s, want P2", got.Priority)
				}
			},
		},
		{
			name:        "user notes win",
			edit:        func(a *Annotation) { a.Notes = "needs design review" },
			wantChanged: true,
			wantWinners: map[Field]string{FieldNotes: WinnerHuman},
			check: func(t *testing.T, got *ticket.Ticket) {
				if got.Notes != "needs design review" {
					t.Errorf("Notes = %q", got.Notes)
				}
			},
		},
		{
			name: "system fields keep canonical values",
			edit: func(a *Annotation) {
				a.ID = "T-99"
				a.Title = "renamed"
				a.Dependencies = []string{}
				a.Children = []string{"T-5"}
				a.CommitRefs = []string{"zzz"}
				a.Created = testutil.Epoch.Add(-time.Hour)
			},
			wantWinners: map[Field]string{
				FieldID:           WinnerCanonical,
				FieldTitle:        WinnerCanonical,
				FieldDependencies: WinnerCanonical,
				FieldChildren:     WinnerCanonical,
				FieldCommitRefs:   WinnerCanonical,
				FieldCreated:      WinnerCanonical,
			},
			check: func(t *testing.T, got *ticket.Ticket) {
				if got.ID != "T-1" || got.Title != "Ticket T-1" || len(got.Dependencies) != 1 || len(got.Children) != 0 {
					t.Errorf("system fields changed: %+v", got)
				}
			},
		},
		{
			name:        "absent system fields are not conflicts",
			edit:        func(a *Annotation) { a.Title = ""; a.Dependencies = nil; a.Children = nil; a.CommitRefs = nil },
			wantWinners: map[Field]string{},
		},
		{
			name:        "stale updated stamp is not a conflict",
			edit:        func(a *Annotation) { a.Updated = testutil.Epoch.Add(-time.Minute) },
			wantWinners: map[Field]string{},
		},
		{
			name:        "legal state override applies",
			edit:        func(a *Annotation) { a.StateOverride = "deferred" },
			wantChanged: true,
			wantWinners: map[Field]string{FieldStateOverride: WinnerHuman},
			check: func(t *testing.T, got *ticket.Ticket) {
				if got.State != ticket.StateDeferred {
					t.Fatalf("State = %s, want DEFERRED", got.State)
				}
				if got.Defer == nil || got.Defer.Category != ticket.DeferUserRejected || !got.Defer.ManualRetry {
					t.Errorf("Defer = %+v", got.Defer)
				}
				last := got.StateHistory[len(got.StateHistory)-1]
				if last.State != ticket.StateDeferred || !last.Timestamp.Equal(mergeAt) {
					t.Errorf("history = %+v", got.StateHistory)
				}
			},
		},
		{
			name:        "illegal state override is refused",
			edit:        func(a *Annotation) { a.StateOverride = "COMPLETED" },
			wantWinners: map[Field]string{FieldStateOverride: WinnerCanonical},
			check: func(t *testing.T, got *ticket.Ticket) {
				if got.State != ticket.StateUnprocessed {
					t.Errorf("State = %s, want UNPROCESSED", got.State)
				}
			},
		},
		{
			name:        "start override with an unfinished dependency is refused",
			edit:        func(a *Annotation) { a.StateOverride = "IN_PROGRESS" },
			deps:        map[string]ticket.State{"T-0": ticket.StateDeferred},
			wantWinners: map[Field]string{FieldStateOverride: WinnerCanonical},
			check: func(t *testing.T, got *ticket.Ticket) {
				if got.State != ticket.StateUnprocessed || len(got.StateHistory) != 0 {
					t.Errorf("State = %s with history %v, want UNPROCESSED untouched", got.State, got.StateHistory)
				}
			},
		},
		{
			name:        "start override with an unknown dependency is refused",
			edit:        func(a *Annotation) { a.StateOverride = "IN_PROGRESS" },
			wantWinners: map[Field]string{FieldStateOverride: WinnerCanonical},
		},
		{
			name:        "start override with completed dependencies applies",
			edit:        func(a *Annotation) { a.StateOverride = "IN_PROGRESS" },
			deps:        map[string]ticket.State{"T-0": ticket.StateCompleted},
			wantChanged: true,
			wantWinners: map[Field]string{FieldStateOverride: WinnerHuman},
			check: func(t *testing.T, got *ticket.Ticket) {
				if got.State != ticket.StateInProgress {
					t.Errorf("State = %s, want IN_PROGRESS", got.State)
				}
			},
		},
		{
			name:        "unknown state override is refused",
			edit:        func(a *Annotation) { a.StateOverride = "DONE" },
			wantWinners: map[Field]string{FieldStateOverride: WinnerCanonical},
		},
		{
			name:        "override to the current state is a no-op",
			edit:        func(a *Annotation) { a.StateOverride = "UNPROCESSED" },
			wantWinners: map[Field]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := canonical()
			human := FromTicket(c)
			tt.edit(&human)

			res, conflicts := Merge(c, human, mergeAt, tt.deps)

			if res.Changed != tt.wantChanged {
				t.Errorf("Changed = %v, want %v", res.Changed, tt.wantChanged)
			}
			got := fieldsOf(conflicts)
			if len(got) != len(tt.wantWinners) {
				t.Errorf("conflicts = %v, want fields %v", conflicts, tt.wantWinners)
			}
			for f, winner := range tt.wantWinners {
				if got[f].Winner != winner {
					t.Errorf("%s winner = %q, want %q", f, got[f].Winner, winner)
				}
				if got[f].TicketID != "T-1" {
					t.Errorf("%s conflict ticket = %q", f, got[f].TicketID)
				}
			}
			if tt.check != nil {
				tt.check(t, res.Ticket)
			}
			if c.Notes != "original" || c.Priority != ticket.P2 || c.State != ticket.StateUnprocessed {
				t.Error("Merge modified its canonical input")
			}
		})
	}
}

func TestOwnershipCoversEveryField(t *testing.T) {
	fields := []Field{FieldID, FieldTitle, FieldPriority, FieldNotes, FieldStateOverride,
		FieldDependencies, FieldChildren, FieldCommitRefs, FieldCreated, FieldUpdated}
	for _, f := range fields {
		if _, ok := Ownership[f]; !ok {
			t.Errorf("field %s has no owner", f)
		}
	}
	for _, f := range []Field{FieldPriority, FieldNotes, FieldStateOverride} {
		if Ownership[f] != OwnerUser {
			t.Errorf("%s should be user-owned", f)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	a := FromTicket(canonical())
	data, err := Encode(a)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	text := string(data)
	for _, want := range []string{"# ticketflow annotation", "id: T-1", "priority: P2", "notes: original", "dependencies:\n  - T-0"} {
		if !strings.Contains(text, want) {
			t.Errorf("encoded annotation missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "state_override:") {
		t.Error("empty state_override should be omitted")
	}

	back, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if back.ID != a.ID || back.Priority != a.Priority || !back.Created.Equal(a.Created) {
		t.Errorf("Decode() = %+v", back)
	}
	if back.Children == nil {
		t.Error("an empty children list should decode as present")
	}

	for _, bad := range []string{"id: [unclosed", "title: no id\n"} {
		if _, err := Decode([]byte(bad)); !errors.Is(err, tferrors.ErrMalformedRecord) {
			t.Errorf("Decode(%q) error = %v, want ErrMalformedRecord", bad, err)
		}
	}
}

func TestExporter(t *testing.T) {
	fs := afero.NewMemMapFs()
	exp := NewExporter(fs, "/a")
	tk := canonical()

	written, err := exp.Write(tk)
	if err != nil || !written {
		t.Fatalf("Write() = %v, %v; want written", written, err)
	}
	written, err = exp.Write(tk)
	if err != nil || written {
		t.Errorf("second Write() = %v, %v; want unchanged", written, err)
	}

	a, err := exp.Read("T-1")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if a.Notes != "original" {
		t.Errorf("Read().Notes = %q", a.Notes)
	}
	if _, err := exp.Read("T-2"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Read(missing) error = %v", err)
	}

	// A file whose id does not match its name is malformed.
	data, _ := Encode(FromTicket(testutil.NewTicket("T-3", ticket.P1)))
	_ = afero.WriteFile(fs, exp.Path("T-4"), data, 0o644)
	if _, err := exp.Read("T-4"); !errors.Is(err, tferrors.ErrMalformedRecord) {
		t.Errorf("Read(mismatched) error = %v", err)
	}

	_ = afero.WriteFile(fs, "/a/notes.txt", []byte("x"), 0o644)
	ids, err := exp.IDs()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ids, ",") != "T-1,T-4" {
		t.Errorf("IDs() = %v", ids)
	}
}

type reconcileFixture struct {
	fs    afero.Fs
	store *store.MemoryStore
	exp   *Exporter
	rec   *Reconciler
	bus   *event.Recorder
}

func newReconcileFixture(t *testing.T, tickets ...*ticket.Ticket) *reconcileFixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	st := store.NewMemoryStore(tickets, store.WithClock(testutil.Clock()))
	exp := NewExporter(fs, "/proj/.ticketflow/annotations")
	bus := event.NewBus(nil)
	rec := &event.Recorder{}
	bus.Subscribe(event.TypeAnnotationConflict, rec.Handle)
	return &reconcileFixture{
		fs:    fs,
		store: st,
		exp:   exp,
		rec:   NewReconciler(st, exp, WithBus(bus), WithClock(func() time.Time { return mergeAt })),
		bus:   rec,
	}
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t, canonical(), testutil.NewTicket("T-2", ticket.P1))

	// First pass exports every ticket.
	report, err := f.rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if strings.Join(report.Exported, ",") != "T-1,T-2" {
		t.Errorf("Exported = %v", report.Exported)
	}

	// A human raises priority, edits notes and tries to drop a dependency.
	a, _ := f.exp.Read("T-1")
	a.Priority = "P0"
	a.Notes = "ship first"
	a.Dependencies = []string{}
	data, _ := Encode(a)
	if err := afero.WriteFile(f.fs, f.exp.Path("T-1"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	// A stray file with no ticket and one that cannot be parsed.
	orphan, _ := Encode(FromTicket(testutil.NewTicket("T-9", ticket.P1)))
	_ = afero.WriteFile(f.fs, f.exp.Path("T-9"), orphan, 0o644)
	_ = afero.WriteFile(f.fs, f.exp.Path("T-2"), []byte("id: [broken"), 0o644)

	report, err = f.rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if strings.Join(report.Updated, ",") != "T-1" {
		t.Errorf("Updated = %v", report.Updated)
	}
	if len(report.Conflicts) != 3 {
		t.Errorf("Conflicts = %v, want priority, notes and dependencies", report.Conflicts)
	}
	if n := len(f.bus.Events()); n != 3 {
		t.Errorf("published %d conflict events, want 3", n)
	}
	if strings.Join(report.Orphans, ",") != "T-9" {
		t.Errorf("Orphans = %v", report.Orphans)
	}
	if len(report.Errors) != 1 {
		t.Errorf("Errors = %v", report.Errors)
	}

	got, _ := f.store.Get(ctx, "T-1")
	if got.Priority != ticket.P0 || got.Notes != "ship first" {
		t.Errorf("stored ticket = %+v", got)
	}
	if len(got.Dependencies) != 1 {
		t.Error("system-owned dependencies must not change")
	}

	// The file is refreshed with system fields restored.
	a, _ = f.exp.Read("T-1")
	if len(a.Dependencies) != 1 || a.Priority != "P0" {
		t.Errorf("refreshed annotation = %+v", a)
	}
	broken, _ := afero.ReadFile(f.fs, f.exp.Path("T-2"))
	if string(broken) != "id: [broken" {
		t.Error("unreadable annotation should be left alone")
	}

	// A third pass has nothing left to do.
	report, err = f.rec.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Updated)+len(report.Rewritten)+len(report.Conflicts) != 0 {
		t.Errorf("third pass = %+v, want no changes", report)
	}
}

func TestReconcile_StateOverride(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t, canonical())
	if _, err := f.rec.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	a, _ := f.exp.Read("T-1")
	a.StateOverride = "DEFERRED"
	data, _ := Encode(a)
	_ = afero.WriteFile(f.fs, f.exp.Path("T-1"), data, 0o644)

	if _, err := f.rec.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.Get(ctx, "T-1")
	if got.State != ticket.StateDeferred {
		t.Errorf("State = %s, want DEFERRED", got.State)
	}
	a, _ = f.exp.Read("T-1")
	if a.StateOverride != "" || a.State != "DEFERRED" {
		t.Errorf("override should be consumed: %+v", a)
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	w := NewWatcher(dir, 50*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, "T-1.yaml"), []byte("id: T-1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644)

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("reconcile was never called")
	}
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("reconcile called %d times, want one debounced call", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRelevant(t *testing.T) {
	tests := []struct {
		ev   fsnotify.Event
		want bool
	}{
		{fsnotify.Event{Name: "/a/T-1.yaml", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/a/T-1.yaml", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/a/T-1.yaml", Op: fsnotify.Remove}, false},
		{fsnotify.Event{Name: "/a/T-1.yaml.tmp", Op: fsnotify.Create}, false},
		{fsnotify.Event{Name: "/a/.T-1.yaml", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		if got := relevant(tt.ev); got != tt.want {
			t.Errorf("relevant(%v) = %v, want %v", tt.ev, got, tt.want)
		}
	}
}

func TestReconcile_StartOverrideWaitsForDependencies(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t,
		testutil.NewTicket("A", ticket.P1),
		testutil.NewTicket("B", ticket.P1, "A"),
	)
	if _, err := f.rec.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	override := func() {
		t.Helper()
		a, err := f.exp.Read("B")
		if err != nil {
			t.Fatal(err)
		}
		a.StateOverride = "IN_PROGRESS"
		data, _ := Encode(a)
		if err := afero.WriteFile(f.fs, f.exp.Path("B"), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	override()
	report, err := f.rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(report.Updated) != 0 || len(report.Conflicts) != 1 {
		t.Fatalf("report = %+v, want one refused override", report)
	}
	if c := report.Conflicts[0]; c.Winner != WinnerCanonical || !strings.Contains(c.Reason, "dependencies not completed: A") {
		t.Errorf("conflict = %s", c)
	}
	if got, _ := f.store.Get(ctx, "B"); got.State != ticket.StateUnprocessed {
		t.Errorf("B state = %s, want UNPROCESSED", got.State)
	}

	for _, s := range []ticket.State{ticket.StateInProgress, ticket.StateCompleted} {
		if err := f.store.AppendHistory(ctx, "A", s); err != nil {
			t.Fatal(err)
		}
	}
	override()
	if _, err := f.rec.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if got, _ := f.store.Get(ctx, "B"); got.State != ticket.StateInProgress {
		t.Errorf("B state = %s, want IN_PROGRESS once A is COMPLETED", got.State)
	}
}
