package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// IndexVersion is the schema version written to new index files.
const IndexVersion = 1

// Index is the persisted ticket collection.
type Index struct {
	Version int              `json:"version"`
	Tickets []*ticket.Ticket `json:"tickets"`
}

// DecodeIndex reads and validates an index. Unknown versions, malformed
// records and duplicate ids are configuration errors.
func DecodeIndex(r io.Reader) (*Index, error) {
	var idx Index
	dec := json.NewDecoder(r)
	if err := dec.Decode(&idx); err != nil {
		if err == io.EOF {
			return &Index{Version: IndexVersion}, nil
		}
		return nil, errors.NewConfigurationError("ticket index is not valid JSON", errors.Join(errors.ErrMalformedRecord, err))
	}
	if idx.Version != IndexVersion {
		return nil, errors.NewConfigurationError(
			fmt.Sprintf("unsupported index version %d (want %d)", idx.Version, IndexVersion),
			errors.ErrMalformedRecord,
		).WithField("version")
	}

	seen := make(map[string]bool, len(idx.Tickets))
	for i, t := range idx.Tickets {
		if t == nil {
			return nil, errors.NewConfigurationError(fmt.Sprintf("tickets[%d] is null", i), errors.ErrMalformedRecord)
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, errors.NewConfigurationError("duplicate ticket id", errors.ErrMalformedRecord).
				WithTicketID(t.ID).
				WithField("id")
		}
		seen[t.ID] = true
	}
	return &idx, nil
}

// Encode writes the index as indented JSON with tickets sorted by id.
func (idx *Index) Encode(w io.Writer) error {
	sorted := *idx
	sorted.Version = IndexVersion
	sorted.Tickets = append([]*ticket.Ticket(nil), idx.Tickets...)
	sort.Slice(sorted.Tickets, func(i, j int) bool { return sorted.Tickets[i].ID < sorted.Tickets[j].ID })
	if sorted.Tickets == nil {
		sorted.Tickets = []*ticket.Ticket{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sorted); err != nil {
		return fmt.Errorf("encode ticket index: %w", err)
	}
	return nil
}

func (idx *Index) byID() map[string]*ticket.Ticket {
	m := make(map[string]*ticket.Ticket, len(idx.Tickets))
	for _, t := range idx.Tickets {
		m[t.ID] = t
	}
	return m
}
