package ledger

import (
	"context"

	"github.com/google/uuid"
)

const (
	// DefaultQueryLimit applies when a caller passes no limit.
	DefaultQueryLimit = 100

	// MaxQueryLimit caps any single page. Pagination is mandatory: the
	// public interface never performs an unbounded scan.
	MaxQueryLimit = 1000
)

// QueryEngine serves filtered, paginated reads. The primary access path
// is the (organization_id, sequence) index; secondary filters apply as
// additional predicates.
type QueryEngine struct {
	store Store
}

// NewQueryEngine builds a QueryEngine over the given store.
func NewQueryEngine(store Store) *QueryEngine {
	return &QueryEngine{store: store}
}

// Query returns matching events ordered by descending sequence.
func (q *QueryEngine) Query(ctx context.Context, f Filter, limit, offset int) ([]AuditEvent, error) {
	if f.OrganizationID == "" {
		return nil, &ValidationError{Field: "organization_id", Reason: "is required"}
	}
	limit = ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	return q.store.Select(ctx, f, limit, offset)
}

// Count returns how many events match the filter.
func (q *QueryEngine) Count(ctx context.Context, f Filter) (int64, error) {
	if f.OrganizationID == "" {
		return 0, &ValidationError{Field: "organization_id", Reason: "is required"}
	}
	return q.store.Count(ctx, f)
}

// Get fetches a single event scoped to the organization. Unknown ids and
// tenant mismatches are both a *NotFoundError.
func (q *QueryEngine) Get(ctx context.Context, orgID string, id uuid.UUID) (*AuditEvent, error) {
	if orgID == "" {
		return nil, &ValidationError{Field: "organization_id", Reason: "is required"}
	}
	return q.store.Get(ctx, orgID, id)
}

// ClampLimit normalizes a requested page size into [1, MaxQueryLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return limit
	}
}
