package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/store"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// Mode selects what a restore puts back.
type Mode string

const (
	// ModeFull restores files and resets state.
	ModeFull Mode = "full"
	// ModeComponent is ModeFull for a component-scoped checkpoint.
	ModeComponent Mode = "component"
	// ModeFilesOnly restores files and leaves state alone.
	ModeFilesOnly Mode = "files-only"
	// ModeStateOnly resets state and leaves files alone.
	ModeStateOnly Mode = "state-only"
)

// ParseMode parses a restore mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFull, ModeComponent, ModeFilesOnly, ModeStateOnly:
		return m, nil
	case "":
		return ModeFull, nil
	}
	return "", fmt.Errorf("%w: restore mode %q", errors.ErrInvalidInput, s)
}

func (m Mode) files() bool { return m != ModeStateOnly }
func (m Mode) state() bool { return m != ModeFilesOnly }

// Journal stages.
const (
	stageSwap  = "swap"
	stageState = "state"
)

// journalEntry records what a path looked like before the restore touched it.
type journalEntry struct {
	Path    string      `json:"path"`
	Existed bool        `json:"existed"`
	Mode    os.FileMode `json:"mode,omitempty"`
}

// journal is written before any live file changes.
type journal struct {
	CheckpointID string         `json:"checkpoint_id"`
	Mode         Mode           `json:"mode"`
	Stage        string         `json:"stage"`
	Entries      []journalEntry `json:"entries"`
}

// Report summarizes a finished restore.
type Report struct {
	CheckpointID  string
	Scope         Scope
	Mode          Mode
	FilesRestored int
	FilesRemoved  int
	TasksReset    []string
}

// Restore puts a checkpoint back.
//
// Every blob is decoded into a staging area and verified first. Then a
// journal recording the pre-restore contents is written, files are swapped
// in, and the scope's tasks and components are reset to UNPROCESSED through
// the store. Sibling components are untouched. If the state reset fails the
// swapped files are rolled back from the journal. A failure that leaves
// files and state out of step returns a *errors.RestoreError.
func (m *Manager) Restore(ctx context.Context, id string, mode Mode) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if cp.Archived {
		return nil, fmt.Errorf("%w: %s", errors.ErrCheckpointArchived, id)
	}
	if mode == "" {
		mode = ModeFull
	}
	if mode == ModeComponent && cp.Scope.Kind != ScopeComponent {
		return nil, fmt.Errorf("%w: checkpoint %s is not component scoped", errors.ErrInvalidInput, id)
	}

	if mode.state() {
		current, err := m.store.Get(ctx, cp.Scope.TicketID)
		if err != nil {
			return nil, err
		}
		if current.State == ticket.StateCompleted {
			return nil, fmt.Errorf("%w: ticket %s is COMPLETED; only files-only restores are allowed",
				errors.ErrInvalidTransition, current.ID)
		}
	}

	work := filepath.Join(m.dir, restoreDir)
	if exists, _ := afero.Exists(m.fs, filepath.Join(work, "journal.json")); exists {
		return nil, fmt.Errorf("%w: an unfinished restore is pending; run recovery first", errors.ErrRestoreFailed)
	}
	if err := m.fs.RemoveAll(work); err != nil {
		return nil, err
	}
	// The work dir holds the journal and backups; it must survive a failure
	// that Recover has to clean up.
	keep := false
	defer func() {
		if !keep {
			_ = m.fs.RemoveAll(work)
		}
	}()
	fatal := func(stage string, err error) (*Report, error) {
		keep = true
		return nil, errors.NewRestoreError(id, stage, err)
	}

	report := &Report{CheckpointID: id, Scope: cp.Scope, Mode: mode}
	var j *journal

	if mode.files() {
		// Stage and verify before touching anything live.
		if err := m.stage(cp, work); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errors.ErrCheckpointCorrupt, id, err)
		}
		j, err = m.backup(cp, mode, work)
		if err != nil {
			return nil, err
		}
		if err := m.swap(cp, work, report); err != nil {
			if rbErr := m.rollback(j, work); rbErr != nil {
				return fatal("rollback", errors.Join(err, rbErr))
			}
			_ = m.fs.Remove(filepath.Join(work, "journal.json"))
			return nil, fmt.Errorf("%w: swap files: %v", errors.ErrRestoreFailed, err)
		}
	}

	if mode.state() {
		if j != nil {
			j.Stage = stageState
			if err := m.writeJournal(work, j); err != nil {
				if rbErr := m.rollback(j, work); rbErr != nil {
					return fatal("rollback", errors.Join(err, rbErr))
				}
				_ = m.fs.Remove(filepath.Join(work, "journal.json"))
				return nil, fmt.Errorf("%w: %v", errors.ErrRestoreFailed, err)
			}
		}
		reset, err := m.resetState(ctx, cp)
		if err != nil {
			if j == nil {
				return nil, fmt.Errorf("%w: reset state: %v", errors.ErrRestoreFailed, err)
			}
			if rbErr := m.rollback(j, work); rbErr != nil {
				return fatal("rollback", errors.Join(err, rbErr))
			}
			_ = m.fs.Remove(filepath.Join(work, "journal.json"))
			return nil, fmt.Errorf("%w: reset state: %v", errors.ErrRestoreFailed, err)
		}
		report.TasksReset = reset
	}

	if err := m.fs.Remove(filepath.Join(work, "journal.json")); err != nil && !os.IsNotExist(err) {
		return fatal("finish", err)
	}

	m.logger.Info("checkpoint restored",
		"checkpoint_id", id,
		"scope", cp.Scope.String(),
		"mode", string(mode),
		"files_restored", report.FilesRestored,
		"files_removed", report.FilesRemoved,
		"tasks_reset", len(report.TasksReset),
	)
	return report, nil
}

// RestoreComponent restores the checkpoint recorded on a component, or the
// latest checkpoint taken for it when none is recorded.
func (m *Manager) RestoreComponent(ctx context.Context, ticketID, component string, mode Mode) (*Report, error) {
	t, err := m.store.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	c := t.Component(component)
	if c == nil {
		return nil, errors.NewNotFoundError("component", ticketID+"/"+component)
	}
	id := ""
	if c.CheckpointID != nil {
		id = *c.CheckpointID
	} else {
		cp, err := m.Latest(ComponentScope(ticketID, component))
		if err != nil {
			return nil, err
		}
		id = cp.ID
	}
	if mode == "" {
		mode = ModeComponent
	}
	return m.Restore(ctx, id, mode)
}

func stagedPath(work, rel string) string {
	return filepath.Join(work, "staged", filepath.FromSlash(rel))
}

func backupPath(work, rel string) string {
	return filepath.Join(work, "backup", filepath.FromSlash(rel))
}

// stage decodes and verifies every captured file into the staging area.
func (m *Manager) stage(cp *Checkpoint, work string) error {
	cpDir := filepath.Join(m.dir, cp.ID)
	for _, f := range cp.Files {
		if f.Absent {
			continue
		}
		blob, err := afero.ReadFile(m.fs, filepath.Join(cpDir, blobsDir, f.Hash+".zst"))
		if err != nil {
			return fmt.Errorf("read blob for %s: %w", f.Path, err)
		}
		data, err := decompress(blob, f.Size, f.Hash)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		dst := stagedPath(work, f.Path)
		if err := m.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := afero.WriteFile(m.fs, dst, data, fileMode(f.Mode)); err != nil {
			return err
		}
	}
	return nil
}

// backup copies the live version of every path in scope and writes the
// journal.
func (m *Manager) backup(cp *Checkpoint, mode Mode, work string) (*journal, error) {
	j := &journal{CheckpointID: cp.ID, Mode: mode, Stage: stageSwap}
	for _, f := range cp.Files {
		live := filepath.Join(m.root, filepath.FromSlash(f.Path))
		info, err := m.fs.Stat(live)
		if os.IsNotExist(err) {
			j.Entries = append(j.Entries, journalEntry{Path: f.Path})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: stat %s: %v", errors.ErrRestoreFailed, f.Path, err)
		}
		if err := copyFile(m.fs, live, backupPath(work, f.Path), info.Mode().Perm()); err != nil {
			return nil, fmt.Errorf("%w: back up %s: %v", errors.ErrRestoreFailed, f.Path, err)
		}
		j.Entries = append(j.Entries, journalEntry{Path: f.Path, Existed: true, Mode: info.Mode().Perm()})
	}
	if err := m.writeJournal(work, j); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrRestoreFailed, err)
	}
	return j, nil
}

func (m *Manager) writeJournal(work string, j *journal) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	if err := m.fs.MkdirAll(work, 0o755); err != nil {
		return err
	}
	return afero.WriteFile(m.fs, filepath.Join(work, "journal.json"), data, 0o644)
}

func (m *Manager) readJournal(work string) (*journal, error) {
	data, err := afero.ReadFile(m.fs, filepath.Join(work, "journal.json"))
	if err != nil {
		return nil, err
	}
	var j journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// swap moves staged files into place and removes files that were absent at
// checkpoint time.
func (m *Manager) swap(cp *Checkpoint, work string, report *Report) error {
	for _, f := range cp.Files {
		live := filepath.Join(m.root, filepath.FromSlash(f.Path))
		if f.Absent {
			if err := m.fs.Remove(live); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", f.Path, err)
			}
			report.FilesRemoved++
			continue
		}
		if err := m.fs.MkdirAll(filepath.Dir(live), 0o755); err != nil {
			return err
		}
		if err := m.fs.Rename(stagedPath(work, f.Path), live); err != nil {
			return fmt.Errorf("move %s into place: %w", f.Path, err)
		}
		report.FilesRestored++
	}
	return nil
}

// rollback puts every journaled path back to its pre-restore content.
func (m *Manager) rollback(j *journal, work string) error {
	var errs []error
	for _, e := range j.Entries {
		live := filepath.Join(m.root, filepath.FromSlash(e.Path))
		if !e.Existed {
			if err := m.fs.Remove(live); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		if err := copyFile(m.fs, backupPath(work, e.Path), live, fileMode(e.Mode)); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", e.Path, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Warn("restore rolled back", "checkpoint_id", j.CheckpointID, "files", len(j.Entries))
	return nil
}

// resetState returns the scope's tasks and components to UNPROCESSED and
// clears the component checkpoint ids. The ticket's own state and history
// are left alone.
func (m *Manager) resetState(ctx context.Context, cp *Checkpoint) ([]string, error) {
	taskIDs := cp.TaskIDs()
	_, err := store.UpdateWithRetry(ctx, m.store, cp.Scope.TicketID, func(t *ticket.Ticket) error {
		for _, id := range taskIDs {
			task := t.Task(id)
			if task == nil {
				continue
			}
			task.Status = ticket.TaskUnprocessed
			task.AttemptCount = 0
			task.LastDiagnostic = ""
			task.Defer = nil
		}
		for i := range t.Components {
			c := &t.Components[i]
			if cp.Scope.Kind == ScopeComponent && c.Name != cp.Scope.Component {
				continue
			}
			c.Status = ticket.TaskUnprocessed
			c.CheckpointID = nil
		}
		t.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(taskIDs)
	return taskIDs, nil
}

// Recover finishes or rolls back a restore interrupted by a crash. A
// journal still in the swap stage is rolled back; one in the state stage
// has all files in place and only needs the state reset repeated. It
// returns the checkpoint id that was pending, or "" when none was.
func (m *Manager) Recover(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := filepath.Join(m.dir, restoreDir)
	j, err := m.readJournal(work)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.NewRestoreError("", "recover", err)
	}

	switch j.Stage {
	case stageState:
		cp, err := m.Get(j.CheckpointID)
		if err != nil {
			return "", errors.NewRestoreError(j.CheckpointID, "recover", err)
		}
		if _, err := m.resetState(ctx, cp); err != nil {
			if rbErr := m.rollback(j, work); rbErr != nil {
				return "", errors.NewRestoreError(j.CheckpointID, "recover", errors.Join(err, rbErr))
			}
			_ = m.fs.RemoveAll(work)
			return j.CheckpointID, fmt.Errorf("%w: recover %s: %v", errors.ErrRestoreFailed, j.CheckpointID, err)
		}
	default:
		if err := m.rollback(j, work); err != nil {
			return "", errors.NewRestoreError(j.CheckpointID, "recover", err)
		}
	}

	if err := m.fs.RemoveAll(work); err != nil {
		return "", errors.NewRestoreError(j.CheckpointID, "recover", err)
	}
	m.logger.Info("pending restore recovered", "checkpoint_id", j.CheckpointID, "stage", j.Stage)
	return j.CheckpointID, nil
}

func copyFile(fsys afero.Fs, src, dst string, mode os.FileMode) error {
	data, err := afero.ReadFile(fsys, src)
	if err != nil {
		return err
	}
	if err := fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fsys, dst, data, fileMode(mode))
}

func fileMode(m os.FileMode) os.FileMode {
	if m == 0 {
		return 0o644
	}
	return m
}
