package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract shared by the recorder, verifier,
// query engine, retention manager, and export. Implementations must make
// Append and Prune atomic; everything else is a plain read.
type Store interface {
	// Tip returns the durable chain state for an organization, or nil
	// when the chain has no events yet.
	Tip(ctx context.Context, orgID string) (*ChainState, error)

	// Append inserts the event and updates the chain tip in one
	// transaction. A duplicate (organization, sequence) pair returns a
	// *ConflictError. The value blobs must round-trip byte-for-byte:
	// the chain hash covers them verbatim.
	Append(ctx context.Context, event *AuditEvent, tip ChainState) error

	// Get fetches one event scoped to an organization. An unknown id and
	// a tenant mismatch both return *NotFoundError.
	Get(ctx context.Context, orgID string, id uuid.UUID) (*AuditEvent, error)

	// Select returns filtered events ordered by descending sequence.
	Select(ctx context.Context, f Filter, limit, offset int) ([]AuditEvent, error)

	// Count returns the number of events matching the filter.
	Count(ctx context.Context, f Filter) (int64, error)

	// Range returns up to limit events with fromSeq <= sequence <= toSeq
	// in ascending sequence order. The verifier pages with it.
	Range(ctx context.Context, orgID string, fromSeq, toSeq int64, limit int) ([]AuditEvent, error)

	// LatestCheckpoint returns the newest retention checkpoint for the
	// organization, or nil when the chain has never been pruned.
	LatestCheckpoint(ctx context.Context, orgID string) (*AuditEvent, error)

	// OlderThan returns events with timestamp before cutoff and sequence
	// below belowSeq, ascending. The retention manager uses it to build
	// archive batches without touching the live tip region.
	OlderThan(ctx context.Context, orgID string, cutoff time.Time, belowSeq int64) ([]AuditEvent, error)

	// Prune deletes fromSeq..toSeq for the organization and inserts the
	// checkpoint in the same transaction.
	Prune(ctx context.Context, orgID string, fromSeq, toSeq int64, checkpoint *AuditEvent) error

	// StashDeadLetters persists undelivered entries so the retry buffer
	// survives a restart. Best effort: the caller tolerates failure.
	StashDeadLetters(ctx context.Context, entries []Entry) error

	// TakeDeadLetters removes and returns up to max stashed entries.
	TakeDeadLetters(ctx context.Context, max int) ([]Entry, error)
}

// RangePageSize bounds how many rows verification and export pull per
// round trip.
const RangePageSize = 500
