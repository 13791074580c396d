package commitlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// SQLite driver and embedded wasm build.
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Status of a journaled commit.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Entry is one row of the shared commit history.
type Entry struct {
	Seq       int64
	TicketID  string
	CommitID  string
	Message   string
	Files     []string
	Status    Status
	Error     string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS commits (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_id  TEXT NOT NULL,
	commit_id  TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	files      TEXT NOT NULL DEFAULT '[]',
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_ticket ON commits(ticket_id);
`

// Journal records every commit the serializer attempts. It is safe for
// concurrent use; SQLite serializes writers.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("commit journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(30000)")
	if err != nil {
		return nil, fmt.Errorf("open commit journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize commit journal: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends e and returns its sequence number. CreatedAt defaults to
// now.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now()
	}
	files := e.Files
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return 0, err
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO commits (ticket_id, commit_id, message, files, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TicketID, e.CommitID, e.Message, string(filesJSON), string(e.Status), e.Error,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("record commit for %s: %w", e.TicketID, err)
	}
	return res.LastInsertId()
}

// List returns every entry in sequence order. A non-empty ticketID limits
// the result to that ticket.
func (j *Journal) List(ctx context.Context, ticketID string) ([]Entry, error) {
	query := `SELECT seq, ticket_id, commit_id, message, files, status, error, created_at FROM commits`
	var args []any
	if ticketID != "" {
		query += ` WHERE ticket_id = ?`
		args = append(args, ticketID)
	}
	query += ` ORDER BY seq`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			files     string
			status    string
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &e.TicketID, &e.CommitID, &e.Message, &files, &status, &e.Error, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(files), &e.Files); err != nil {
			return nil, fmt.Errorf("commit %d: decode files: %w", e.Seq, err)
		}
		e.Status = Status(status)
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("commit %d: decode created_at: %w", e.Seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
