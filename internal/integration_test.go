// Package internal contains integration tests that drive the packages
// together against a real git repository and on-disk state.
package internal

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/ticketflow/internal/annotation"
	"github.com/Iron-Ham/ticketflow/internal/autofix"
	"github.com/Iron-Ham/ticketflow/internal/checkpoint"
	"github.com/Iron-Ham/ticketflow/internal/commitlog"
	"github.com/Iron-Ham/ticketflow/internal/config"
	"github.com/Iron-Ham/ticketflow/internal/event"
	"github.com/Iron-Ham/ticketflow/internal/implementer"
	"github.com/Iron-Ham/ticketflow/internal/orchestrator"
	"github.com/Iron-Ham/ticketflow/internal/retry"
	"github.com/Iron-Ham/ticketflow/internal/store"
	"github.com/Iron-Ham/ticketflow/internal/testutil"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
	"github.com/Iron-Ham/ticketflow/internal/validate"
	"github.com/Iron-Ham/ticketflow/internal/vcs"
)

// validated returns a ticket whose generic validation runs check in the
// repository.
func validated(id, check string, deps ...string) *ticket.Ticket {
	tk := testutil.NewTicket(id, ticket.P2, deps...)
	tk.Validation = &ticket.ValidationConfig{
		Validator: ticket.ValidatorGeneric,
		Steps:     []ticket.VerificationStep{{Name: "content", Check: check}},
	}
	return tk
}

// TestRunAgainstGitRepository processes a two-ticket chain end to end: the
// implementer writes files, validation shells out, one ticket needs an
// auto-fix, and every commit lands in git and in the journal.
func TestRunAgainstGitRepository(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	ctx := context.Background()
	stateDir := t.TempDir()

	st, err := store.NewFileStore(filepath.Join(stateDir, "tickets.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	for _, tk := range []*ticket.Ticket{
		validated("A", "grep -q hello greeting.txt"),
		validated("B", "grep -q goodbye farewell.txt", "A"),
	} {
		if err := st.Create(ctx, tk); err != nil {
			t.Fatalf("Create(%s) error = %v", tk.ID, err)
		}
	}

	journal, err := commitlog.OpenJournal(filepath.Join(stateDir, "commits.db"))
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	write := func(name, content string) (implementer.Result, error) {
		if err := os.WriteFile(filepath.Join(repo, name), []byte(content), 0o644); err != nil {
			return implementer.Result{}, err
		}
		return implementer.Result{FilesChanged: []string{name}}, nil
	}
	impl := &testutil.FakeImplementer{
		ImplementFunc: func(req implementer.Request) (implementer.Result, error) {
			if req.TicketID == "A" {
				return write("greeting.txt", "hello\n")
			}
			// First draft misses the expected word.
			return write("farewell.txt", "bye\n")
		},
		FixFunc: func(req implementer.FixRequest) (implementer.Result, error) {
			return write("farewell.txt", "goodbye\n")
		},
	}

	bus := event.NewBus(nil)
	rec := &event.Recorder{}
	bus.SubscribeAll(rec.Handle)

	serializer := commitlog.NewSerializer(vcs.NewGit(repo), commitlog.WithJournal(journal))
	loop := autofix.NewLoop(validate.DefaultRegistry(), impl, serializer, retry.NewManager(),
		autofix.WithConfig(autofix.Config{
			MaxRetries:      3,
			Policies:        config.Default().AutoFix,
			BlockerAttempts: 1,
		}),
		autofix.WithEvents(event.Emitter{Bus: bus}),
	)
	runner := validate.NewShellRunner("sh -c", 30*time.Second)
	orch, err := orchestrator.New(orchestrator.Options{
		Config:      config.OrchestratorConfig{Mode: config.ModeAuto, Workers: 2, MaxRetries: 3},
		Store:       st,
		Loop:        loop,
		Checkpoints: checkpoint.NewManager(afero.NewOsFs(), repo, filepath.Join(stateDir, "checkpoints"), st),
		Serializer:  serializer,
		Validation:  validate.Context{Root: repo, Fs: afero.NewOsFs(), Runner: runner},
		Bus:         bus,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sum, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.ExitCode != 0 {
		var b strings.Builder
		_ = sum.Write(&b)
		t.Fatalf("ExitCode = %d, want 0\n%s", sum.ExitCode, b.String())
	}

	for _, id := range []string{"A", "B"} {
		tk, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if tk.State != ticket.StateCompleted {
			t.Errorf("%s state = %s, want COMPLETED", id, tk.State)
		}
		if len(tk.CommitRefs) == 0 {
			t.Errorf("%s has no commit refs", id)
		}
	}
	if len(impl.Fixes()) != 1 {
		t.Errorf("fix requests = %d, want 1", len(impl.Fixes()))
	}
	if testutil.HasUncommittedChanges(t, repo) {
		t.Error("implementer changes were left uncommitted")
	}
	// Initial commit, A, and B's fix. The fix already recorded B's only
	// file, so B's batch commit is empty and makes no commit.
	if n := testutil.GetCommitCount(t, repo); n != 3 {
		t.Errorf("commit count = %d, want 3", n)
	}

	entries, err := journal.List(ctx, "B")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var messages []string
	for _, e := range entries {
		if e.Status != commitlog.StatusCommitted {
			t.Errorf("journal entry %d status = %s (%s)", e.Seq, e.Status, e.Error)
		}
		messages = append(messages, e.Message)
	}
	if len(messages) != 1 || !strings.HasPrefix(messages[0], "fix(B") {
		t.Errorf("journal messages for B = %q, want only the fix", messages)
	}
	b, err := st.Get(ctx, "B")
	if err != nil {
		t.Fatal(err)
	}
	a, err := st.Get(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	for _, ref := range b.CommitRefs {
		if slices.Contains(a.CommitRefs, ref) {
			t.Errorf("B claims A's commit %s", ref)
		}
	}

	// Both tickets went through IN_PROGRESS before COMPLETED.
	var completed []string
	for _, e := range rec.Events() {
		if sc, ok := e.(event.TicketStateChangedEvent); ok && sc.To == string(ticket.StateCompleted) {
			completed = append(completed, sc.TicketID)
		}
	}
	if strings.Join(completed, ",") != "A,B" {
		t.Errorf("completion order = %v, want [A B]", completed)
	}
}

// TestAnnotationRoundTrip exports annotation files for a file store and
// merges a human edit back.
func TestAnnotationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := store.NewFileStore(filepath.Join(dir, "tickets.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := st.Create(ctx, testutil.NewTicket("A", ticket.P3)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	fs := afero.NewOsFs()
	annotations := filepath.Join(dir, "annotations")
	rec := annotation.NewReconciler(st, annotation.NewExporter(fs, annotations))

	report, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(report.Exported) != 1 {
		t.Fatalf("Exported = %v, want one file", report.Exported)
	}

	path := filepath.Join(annotations, "A.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("annotation not written: %v", err)
	}
	edited := strings.Replace(string(data), "priority: P3", "priority: P0", 1)
	if edited == string(data) {
		t.Fatalf("exported annotation has no priority line:\n%s", data)
	}
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := rec.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	tk, err := st.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tk.Priority != ticket.P0 {
		t.Errorf("Priority = %s, want P0 from the annotation", tk.Priority)
	}
}
