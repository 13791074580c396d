// Package checkpoint snapshots and restores a reversible scope of work.
//
// A checkpoint captures the files a ticket or component touches together
// with a copy of the ticket's task and component state. File contents are
// stored zstd-compressed and addressed by their BLAKE3 digest:
//
//	<dir>/<id>/manifest.json
//	<dir>/<id>/blobs/<digest>.zst
//	<dir>/archive/<id>/...
//
// A checkpoint is complete once its manifest exists and is never modified
// afterwards. Restores are all-or-nothing across files and state; see
// [Manager.Restore].
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/logging"
	"github.com/Iron-Ham/ticketflow/internal/store"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

const (
	manifestFile = "manifest.json"
	blobsDir     = "blobs"
	archiveDir   = "archive"
	restoreDir   = ".restore"
)

// ScopeKind is the granularity of a checkpoint.
type ScopeKind string

const (
	ScopeTicket    ScopeKind = "ticket"
	ScopeComponent ScopeKind = "component"
)

// Scope names what a checkpoint covers.
type Scope struct {
	Kind      ScopeKind `json:"kind"`
	TicketID  string    `json:"ticket_id"`
	Component string    `json:"component,omitempty"`
}

// TicketScope covers every component of a ticket.
func TicketScope(ticketID string) Scope {
	return Scope{Kind: ScopeTicket, TicketID: ticketID}
}

// ComponentScope covers one component of a ticket.
func ComponentScope(ticketID, component string) Scope {
	return Scope{Kind: ScopeComponent, TicketID: ticketID, Component: component}
}

func (s Scope) String() string {
	if s.Kind == ScopeComponent {
		return s.TicketID + "/" + s.Component
	}
	return s.TicketID
}

// FileEntry is one captured file. Absent files did not exist when the
// checkpoint was taken; restoring removes them.
type FileEntry struct {
	Path   string      `json:"path"`
	Hash   string      `json:"hash,omitempty"`
	Size   int64       `json:"size"`
	Mode   os.FileMode `json:"mode,omitempty"`
	Absent bool        `json:"absent,omitempty"`
}

// Checkpoint is an immutable snapshot.
type Checkpoint struct {
	ID        string         `json:"id"`
	Scope     Scope          `json:"scope"`
	Files     []FileEntry    `json:"files"`
	Ticket    *ticket.Ticket `json:"ticket"`
	CreatedAt time.Time      `json:"created_at"`

	// Archived is derived from where the checkpoint lives.
	Archived bool `json:"-"`
}

// TaskIDs returns the tasks inside the checkpoint's scope.
func (c *Checkpoint) TaskIDs() []string {
	if c.Scope.Kind == ScopeComponent {
		if comp := c.Ticket.Component(c.Scope.Component); comp != nil {
			return append([]string(nil), comp.TaskIDs...)
		}
		return nil
	}
	ids := make([]string, 0, len(c.Ticket.Tasks))
	for _, t := range c.Ticket.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// Manager creates, restores and archives checkpoints.
type Manager struct {
	fs    afero.Fs
	root  string
	dir   string
	store store.Store

	now    func() time.Time
	newID  func() string
	logger *logging.Logger

	// mu serializes restores; only one journal may exist at a time.
	mu sync.Mutex
}

// Option is a functional option for configuring Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides checkpoint id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// NewManager creates a Manager. File paths recorded on components are
// relative to root; checkpoints are kept in dir. Both live in fsys.
func NewManager(fsys afero.Fs, root, dir string, st store.Store, opts ...Option) *Manager {
	m := &Manager{
		fs:     fsys,
		root:   root,
		dir:    dir,
		store:  st,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create snapshots scope and returns the new checkpoint id.
func (m *Manager) Create(ctx context.Context, scope Scope) (string, error) {
	t, err := m.store.Get(ctx, scope.TicketID)
	if err != nil {
		return "", err
	}
	files, err := scopeFiles(t, scope)
	if err != nil {
		return "", err
	}

	cp := &Checkpoint{
		ID:        m.newID(),
		Scope:     scope,
		Ticket:    t.Clone(),
		CreatedAt: m.now().UTC(),
	}
	cpDir := filepath.Join(m.dir, cp.ID)
	if exists, _ := afero.DirExists(m.fs, cpDir); exists {
		return "", fmt.Errorf("%w: checkpoint %s", errors.ErrAlreadyExists, cp.ID)
	}
	if err := m.fs.MkdirAll(filepath.Join(cpDir, blobsDir), 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	for _, rel := range files {
		entry, err := m.capture(cpDir, rel)
		if err != nil {
			_ = m.fs.RemoveAll(cpDir)
			return "", err
		}
		cp.Files = append(cp.Files, entry)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		_ = m.fs.RemoveAll(cpDir)
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	// The manifest is written last; a directory without one is incomplete.
	if err := afero.WriteFile(m.fs, filepath.Join(cpDir, manifestFile), data, 0o644); err != nil {
		_ = m.fs.RemoveAll(cpDir)
		return "", fmt.Errorf("write manifest: %w", err)
	}

	m.logger.Info("checkpoint created",
		"checkpoint_id", cp.ID,
		"scope", scope.String(),
		"files", len(cp.Files),
	)
	return cp.ID, nil
}

func (m *Manager) capture(cpDir, rel string) (FileEntry, error) {
	abs := filepath.Join(m.root, filepath.FromSlash(rel))
	info, err := m.fs.Stat(abs)
	if os.IsNotExist(err) {
		return FileEntry{Path: rel, Absent: true}, nil
	}
	if err != nil {
		return FileEntry{}, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return FileEntry{}, errors.NewConfigurationError(fmt.Sprintf("component file %q is a directory", rel), errors.ErrInvalidInput).
			WithField("files")
	}
	data, err := afero.ReadFile(m.fs, abs)
	if err != nil {
		return FileEntry{}, fmt.Errorf("read %s: %w", rel, err)
	}

	hash := hashContent(data)
	blobPath := filepath.Join(cpDir, blobsDir, hash+".zst")
	if exists, _ := afero.Exists(m.fs, blobPath); !exists {
		if err := afero.WriteFile(m.fs, blobPath, compress(data), 0o644); err != nil {
			return FileEntry{}, fmt.Errorf("write blob for %s: %w", rel, err)
		}
	}
	return FileEntry{Path: rel, Hash: hash, Size: int64(len(data)), Mode: info.Mode().Perm()}, nil
}

// scopeFiles returns the cleaned, sorted file set of scope.
func scopeFiles(t *ticket.Ticket, scope Scope) ([]string, error) {
	var raw []string
	switch scope.Kind {
	case ScopeTicket:
		raw = t.Files()
	case ScopeComponent:
		c := t.Component(scope.Component)
		if c == nil {
			return nil, errors.NewNotFoundError("component", scope.String())
		}
		raw = c.Files
	default:
		return nil, fmt.Errorf("%w: scope kind %q", errors.ErrInvalidInput, scope.Kind)
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		clean := path.Clean(filepath.ToSlash(f))
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, errors.NewConfigurationError(fmt.Sprintf("file %q escapes the project root", f), errors.ErrInvalidInput).
				WithTicketID(t.ID).
				WithField("files")
		}
		if !seen[clean] {
			seen[clean] = true
			out = append(out, clean)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Get returns a checkpoint, live or archived.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	if cp, err := m.readManifest(filepath.Join(m.dir, id)); err == nil {
		return cp, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	cp, err := m.readManifest(filepath.Join(m.dir, archiveDir, id))
	if os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("checkpoint", id)
	}
	if err != nil {
		return nil, err
	}
	cp.Archived = true
	return cp, nil
}

func (m *Manager) readManifest(cpDir string) (*Checkpoint, error) {
	data, err := afero.ReadFile(m.fs, filepath.Join(cpDir, manifestFile))
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", errors.ErrCheckpointCorrupt, cpDir, err)
	}
	if cp.Ticket == nil {
		return nil, fmt.Errorf("%w: manifest %s has no ticket snapshot", errors.ErrCheckpointCorrupt, cpDir)
	}
	return &cp, nil
}

// List returns checkpoints ordered by creation time, oldest first.
func (m *Manager) List(includeArchived bool) ([]*Checkpoint, error) {
	out, err := m.listDir(m.dir, false)
	if err != nil {
		return nil, err
	}
	if includeArchived {
		archived, err := m.listDir(filepath.Join(m.dir, archiveDir), true)
		if err != nil {
			return nil, err
		}
		out = append(out, archived...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Manager) listDir(dir string, archived bool) ([]*Checkpoint, error) {
	entries, err := afero.ReadDir(m.fs, dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Checkpoint
	for _, e := range entries {
		if !e.IsDir() || e.Name() == archiveDir || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		cp, err := m.readManifest(filepath.Join(dir, e.Name()))
		if os.IsNotExist(err) {
			// Incomplete; Create never finished.
			continue
		}
		if err != nil {
			return nil, err
		}
		cp.Archived = archived
		out = append(out, cp)
	}
	return out, nil
}

// Latest returns the most recent live checkpoint for scope.
func (m *Manager) Latest(scope Scope) (*Checkpoint, error) {
	all, err := m.List(false)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Scope == scope {
			return all[i], nil
		}
	}
	return nil, errors.NewNotFoundError("checkpoint", scope.String())
}

// Archive moves a checkpoint to the archive. Archived checkpoints stay
// readable but can no longer be restored.
func (m *Manager) Archive(id string) error {
	src := filepath.Join(m.dir, id)
	if _, err := m.readManifest(src); err != nil {
		if os.IsNotExist(err) {
			if _, aerr := m.readManifest(filepath.Join(m.dir, archiveDir, id)); aerr == nil {
				return nil
			}
			return errors.NewNotFoundError("checkpoint", id)
		}
		return err
	}
	dst := filepath.Join(m.dir, archiveDir, id)
	if err := moveTree(m.fs, src, dst); err != nil {
		return fmt.Errorf("archive checkpoint %s: %w", id, err)
	}
	m.logger.Info("checkpoint archived", "checkpoint_id", id)
	return nil
}

// moveTree moves every file below src to the same relative path below dst,
// the manifest last so a half-moved checkpoint is never listed twice.
func moveTree(fsys afero.Fs, src, dst string) error {
	var files []string
	err := afero.Walk(fsys, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Base(p) != manifestFile {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	files = append(files, filepath.Join(src, manifestFile))

	for _, p := range files {
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := fsys.Rename(p, target); err != nil {
			return err
		}
	}
	return fsys.RemoveAll(src)
}
