package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Exporter serializes filtered events for offline verification. Every
// format carries sequence, previous_hash, and hash so an exported file
// can be re-verified by recomputing the chain with the same codec.
type Exporter struct {
	store Store
}

// NewExporter builds an Exporter over the given store.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store}
}

// Export streams matching events to w, oldest first, page by page.
func (x *Exporter) Export(ctx context.Context, f Filter, format string, w io.Writer) error {
	if f.OrganizationID == "" {
		return &ValidationError{Field: "organization_id", Reason: "is required"}
	}

	switch format {
	case FormatCSV:
		return x.exportCSV(ctx, f, w)
	case FormatJSON, "":
		return x.exportJSON(ctx, f, w)
	default:
		return &ValidationError{Field: "format", Reason: fmt.Sprintf("%q is not supported", format)}
	}
}

var csvHeader = []string{
	"id", "organization_id", "sequence", "user_id", "action", "resource",
	"resource_id", "old_values", "new_values", "metadata", "ip_address",
	"user_agent", "timestamp", "previous_hash", "hash",
}

func (x *Exporter) exportCSV(ctx context.Context, f Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	err := x.forEachAscending(ctx, f, func(e *AuditEvent) error {
		userID := ""
		if e.UserID != nil {
			userID = *e.UserID
		}
		return cw.Write([]string{
			e.ID.String(),
			e.OrganizationID,
			strconv.FormatInt(e.Sequence, 10),
			userID,
			e.Action,
			e.Resource,
			e.ResourceID,
			string(e.OldValues),
			string(e.NewValues),
			string(e.Metadata),
			e.IPAddress,
			e.UserAgent,
			CanonicalTime(e.Timestamp),
			e.PreviousHash,
			e.Hash,
		})
	})
	if err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func (x *Exporter) exportJSON(ctx context.Context, f Filter, w io.Writer) error {
	if _, err := io.WriteString(w, "[\n"); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	first := true
	err := x.forEachAscending(ctx, f, func(e *AuditEvent) error {
		if !first {
			if _, err := io.WriteString(w, ",\n"); err != nil {
				return err
			}
		}
		first = false
		return enc.Encode(exportRow(e))
	})
	if err != nil {
		return err
	}

	_, err = io.WriteString(w, "]\n")
	return err
}

// exportRow fixes the timestamp to the canonical layout so offline
// verification can rebuild the canonical bytes from the export alone.
func exportRow(e *AuditEvent) map[string]any {
	var userID any
	if e.UserID != nil {
		userID = *e.UserID
	}
	return map[string]any{
		"id":              e.ID.String(),
		"organization_id": e.OrganizationID,
		"sequence":        e.Sequence,
		"user_id":         userID,
		"action":          e.Action,
		"resource":        e.Resource,
		"resource_id":     e.ResourceID,
		"old_values":      rawOrNull(e.OldValues),
		"new_values":      rawOrNull(e.NewValues),
		"metadata":        rawOrNull(e.Metadata),
		"ip_address":      e.IPAddress,
		"user_agent":      e.UserAgent,
		"timestamp":       CanonicalTime(e.Timestamp),
		"previous_hash":   e.PreviousHash,
		"hash":            e.Hash,
	}
}

// forEachAscending walks the filtered events oldest-first without loading
// the result set wholesale. The walk is bounded by the tip sequence
// captured up front, so appends landing mid-export cannot shift rows in
// or out of the result the way offset paging would.
func (x *Exporter) forEachAscending(ctx context.Context, f Filter, fn func(*AuditEvent) error) error {
	tip, err := x.store.Tip(ctx, f.OrganizationID)
	if err != nil {
		return err
	}
	if tip == nil {
		return nil
	}

	from := int64(1)
	for from <= tip.LastSequence {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, err := x.store.Range(ctx, f.OrganizationID, from, tip.LastSequence, RangePageSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for i := range events {
			if !f.Match(&events[i]) {
				continue
			}
			if err := fn(&events[i]); err != nil {
				return err
			}
		}
		from = events[len(events)-1].Sequence + 1
	}
	return nil
}
