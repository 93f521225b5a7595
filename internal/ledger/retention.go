package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trailkeep/internal/metrics"
)

// DefaultRetentionDays keeps seven years of events, the common books-and-
// records requirement.
const DefaultRetentionDays = 2555

// Archiver copies a pruned batch to durable offline storage and returns
// its location.
type Archiver interface {
	ArchiveBatch(ctx context.Context, orgID string, events []AuditEvent) (string, error)
}

// PruneResult summarizes one retention pass.
type PruneResult struct {
	DeletedCount     int64  `json:"deleted_count"`
	ArchivedLocation string `json:"archived_location,omitempty"`
	CheckpointHash   string `json:"checkpoint_hash,omitempty"`
}

// RetentionManager prunes aged events while preserving chain
// verifiability. It shares the recorder's per-organization lock so prune
// and append never interleave for one tenant.
type RetentionManager struct {
	store    Store
	archiver Archiver
	locks    *OrgLocks
	now      func() time.Time
}

// NewRetentionManager builds a RetentionManager. The locks argument must
// be the recorder's lock set. A nil archiver deletes without archiving.
func NewRetentionManager(store Store, archiver Archiver, locks *OrgLocks) *RetentionManager {
	if locks == nil {
		locks = NewOrgLocks()
	}
	return &RetentionManager{store: store, archiver: archiver, locks: locks, now: time.Now}
}

// Prune archives and deletes events older than retentionDays, inserting a
// checkpoint whose PreviousHash equals the hash of the last pruned event.
// The live tip is never touched: only sequences below the current tip
// qualify, so chain_states stays valid without an update.
func (m *RetentionManager) Prune(ctx context.Context, orgID string, retentionDays int) (*PruneResult, error) {
	if orgID == "" {
		return nil, &ValidationError{Field: "organization_id", Reason: "is required"}
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	unlock := m.locks.Lock(orgID)
	defer unlock()

	tip, err := m.store.Tip(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if tip == nil {
		return &PruneResult{}, nil
	}

	cutoff := m.now().UTC().AddDate(0, 0, -retentionDays)
	batch, err := m.store.OlderThan(ctx, orgID, cutoff, tip.LastSequence)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return &PruneResult{}, nil
	}

	// The store deletes by sequence range. A gap means a row inside the
	// range has not aged out (the clock stepped backward between
	// appends); deleting the range would drop it unarchived.
	for i := 1; i < len(batch); i++ {
		if batch[i].Sequence != batch[i-1].Sequence+1 {
			return nil, fmt.Errorf("retention batch has a gap before sequence %d: refusing to prune", batch[i].Sequence)
		}
	}

	var location string
	if m.archiver != nil {
		location, err = m.archiver.ArchiveBatch(ctx, orgID, batch)
		if err != nil {
			// Never delete what has not been archived.
			return nil, err
		}
	}

	first, last := batch[0], batch[len(batch)-1]
	checkpoint, err := m.buildCheckpoint(orgID, first, last, int64(len(batch)), location)
	if err != nil {
		return nil, err
	}

	if err := m.store.Prune(ctx, orgID, first.Sequence, last.Sequence, checkpoint); err != nil {
		return nil, err
	}

	metrics.EventsPruned.Add(float64(len(batch)))
	log.Info().
		Str("organization_id", orgID).
		Int("deleted", len(batch)).
		Str("location", location).
		Int64("checkpoint_sequence", checkpoint.Sequence).
		Msg("retention prune complete")

	return &PruneResult{
		DeletedCount:     int64(len(batch)),
		ArchivedLocation: location,
		CheckpointHash:   checkpoint.Hash,
	}, nil
}

// buildCheckpoint constructs the anchor event replacing the pruned range.
// It keeps the last pruned sequence slot so verification over the
// remaining range resumes exactly where the deleted chain ended.
func (m *RetentionManager) buildCheckpoint(orgID string, first, last AuditEvent, count int64, location string) (*AuditEvent, error) {
	meta, err := json.Marshal(map[string]any{
		"deleted_count":     count,
		"archived_location": location,
		"covered_from":      first.Sequence,
		"covered_to":        last.Sequence,
	})
	if err != nil {
		return nil, err
	}

	checkpoint := &AuditEvent{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Sequence:       last.Sequence,
		Action:         ActionCheckpoint,
		Resource:       "audit_chain",
		ResourceID:     orgID,
		Metadata:       meta,
		Timestamp:      TruncateTimestamp(m.now()),
		PreviousHash:   last.Hash,
	}
	checkpoint.Hash = EventHash(checkpoint)
	return checkpoint, nil
}
