// Package annotation keeps per-ticket YAML files that humans may edit in
// sync with the canonical ticket index.
//
// Every field of an annotation is owned by one side. System-owned fields
// are refreshed from the index and human edits to them are reported and
// discarded. User-owned fields flow from the file into the index. See
// [Ownership] and [Merge].
package annotation

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// Ext is the annotation file extension.
const Ext = ".yaml"

const header = "# ticketflow annotation. Edit priority, notes and state_override;\n" +
	"# every other field is refreshed from the ticket index.\n"

// Annotation is the on-disk form of one ticket. Nil slices mean the field
// was absent from the file.
type Annotation struct {
	ID            string    `yaml:"id"`
	Title         string    `yaml:"title"`
	Priority      string    `yaml:"priority"`
	Notes         string    `yaml:"notes,omitempty"`
	StateOverride string    `yaml:"state_override,omitempty"`
	State         string    `yaml:"state,omitempty"`
	Dependencies  []string  `yaml:"dependencies"`
	Children      []string  `yaml:"children"`
	CommitRefs    []string  `yaml:"commit_refs,omitempty"`
	Created       time.Time `yaml:"created"`
	Updated       time.Time `yaml:"updated"`
}

// FromTicket renders the annotation for t. The state override is always
// empty; an applied override is consumed.
func FromTicket(t *ticket.Ticket) Annotation {
	return Annotation{
		ID:           t.ID,
		Title:        t.Title,
		Priority:     t.Priority.String(),
		Notes:        t.Notes,
		State:        string(t.State),
		Dependencies: nonNil(t.Dependencies),
		Children:     nonNil(t.Children),
		CommitRefs:   t.CommitRefs,
		Created:      t.CreatedAt.UTC(),
		Updated:      t.UpdatedAt.UTC(),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Encode renders a with the ownership header.
func Encode(a Annotation) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(a); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses an annotation file. A file without an id is malformed.
func Decode(data []byte) (Annotation, error) {
	var a Annotation
	if err := yaml.Unmarshal(data, &a); err != nil {
		return Annotation{}, fmt.Errorf("%w: %v", errors.ErrMalformedRecord, err)
	}
	if strings.TrimSpace(a.ID) == "" {
		return Annotation{}, fmt.Errorf("%w: annotation has no id", errors.ErrMalformedRecord)
	}
	return a, nil
}

// Exporter reads and writes annotation files in one directory.
type Exporter struct {
	fs  afero.Fs
	dir string
}

// NewExporter creates an Exporter over dir in fsys.
func NewExporter(fsys afero.Fs, dir string) *Exporter {
	return &Exporter{fs: fsys, dir: dir}
}

// Dir returns the annotation directory.
func (e *Exporter) Dir() string {
	return e.dir
}

// Path returns the annotation file of ticket id.
func (e *Exporter) Path(id string) string {
	return filepath.Join(e.dir, id+Ext)
}

// Write renders t's annotation. It reports whether the file changed; an
// identical file is left untouched so a watcher does not see its own
// writes twice.
func (e *Exporter) Write(t *ticket.Ticket) (bool, error) {
	data, err := Encode(FromTicket(t))
	if err != nil {
		return false, err
	}
	path := e.Path(t.ID)
	if existing, err := afero.ReadFile(e.fs, path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := e.fs.MkdirAll(e.dir, 0o755); err != nil {
		return false, err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(e.fs, tmp, data, 0o644); err != nil {
		return false, err
	}
	if err := e.fs.Rename(tmp, path); err != nil {
		_ = e.fs.Remove(tmp)
		return false, err
	}
	return true, nil
}

// Read loads the annotation of ticket id. A missing file returns
// os.ErrNotExist.
func (e *Exporter) Read(id string) (Annotation, error) {
	data, err := afero.ReadFile(e.fs, e.Path(id))
	if err != nil {
		return Annotation{}, err
	}
	a, err := Decode(data)
	if err != nil {
		return Annotation{}, fmt.Errorf("%s: %w", e.Path(id), err)
	}
	if a.ID != id {
		return Annotation{}, fmt.Errorf("%s: %w: id %q does not match the file name", e.Path(id), errors.ErrMalformedRecord, a.ID)
	}
	return a, nil
}

// IDs lists the ticket ids that have an annotation file, sorted.
func (e *Exporter) IDs() ([]string, error) {
	entries, err := afero.ReadDir(e.fs, e.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, Ext) || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, Ext))
	}
	sort.Strings(ids)
	return ids, nil
}
