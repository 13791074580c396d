package logging

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleLog = `{"time":"2026-01-02T10:00:02Z","level":"INFO","msg":"ticket completed","run_id":"r1","ticket_id":"A"}
{"time":"2026-01-02T10:00:00Z","level":"DEBUG","msg":"graph built","run_id":"r1","tickets":3}
not json
{"time":"2026-01-02T10:00:01Z","level":"WARN","msg":"validation failed","run_id":"r1","ticket_id":"B","task_id":"T1"}
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LogFileName), []byte(sampleLog), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestAggregateLogs(t *testing.T) {
	t.Run("sorts entries and skips bad lines", func(t *testing.T) {
		entries, err := AggregateLogs(writeSample(t))
		if err != nil {
			t.Fatalf("AggregateLogs failed: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		if entries[0].Message != "graph built" || entries[2].Message != "ticket completed" {
			t.Errorf("entries not sorted by time: %+v", entries)
		}
		if entries[0].Attrs["tickets"] != float64(3) {
			t.Errorf("extra attrs not captured: %v", entries[0].Attrs)
		}
		if entries[1].TaskID != "T1" {
			t.Errorf("TaskID = %q, want T1", entries[1].TaskID)
		}
	})

	t.Run("includes compressed backups", func(t *testing.T) {
		dir := writeSample(t)
		backup := filepath.Join(dir, LogFileName+".1")
		old := `{"time":"2026-01-01T09:00:00Z","level":"INFO","msg":"older run","run_id":"r0"}` + "\n"
		if err := os.WriteFile(backup, []byte(old), 0644); err != nil {
			t.Fatal(err)
		}
		if err := compressFile(backup); err != nil {
			t.Fatal(err)
		}

		entries, err := AggregateLogs(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 4 || entries[0].RunID != "r0" {
			t.Errorf("expected compressed backup first, got %+v", entries)
		}
	})

	t.Run("missing log file", func(t *testing.T) {
		if _, err := AggregateLogs(t.TempDir()); err == nil {
			t.Error("expected error for empty directory")
		}
	})
}

func TestFilterLogs(t *testing.T) {
	entries, err := AggregateLogs(writeSample(t))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter LogFilter
		want   int
	}{
		{"empty filter", LogFilter{}, 3},
		{"level warn", LogFilter{Level: "warn"}, 1},
		{"ticket", LogFilter{TicketID: "A"}, 1},
		{"task", LogFilter{TaskID: "T1"}, 1},
		{"run", LogFilter{RunID: "r1"}, 3},
		{"message", LogFilter{MessageContains: "validation"}, 1},
		{"start time", LogFilter{StartTime: time.Date(2026, 1, 2, 10, 0, 1, 0, time.UTC)}, 2},
		{"end time", LogFilter{EndTime: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(FilterLogs(entries, tt.filter)); got != tt.want {
				t.Errorf("FilterLogs() returned %d entries, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteEntries(t *testing.T) {
	entries, err := AggregateLogs(writeSample(t))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteEntries(&buf, entries, "json"); err != nil {
			t.Fatal(err)
		}
		var decoded []LogEntry
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		if len(decoded) != 3 {
			t.Errorf("decoded %d entries", len(decoded))
		}
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteEntries(&buf, entries, "text"); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), "(run=r1, ticket=B, task=T1)") {
			t.Errorf("text output missing scope: %s", buf.String())
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteEntries(&buf, entries, "csv"); err != nil {
			t.Fatal(err)
		}
		records, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != 4 {
			t.Errorf("expected header + 3 rows, got %d", len(records))
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if err := WriteEntries(&bytes.Buffer{}, entries, "xml"); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}
