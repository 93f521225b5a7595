package ledger

import (
	"errors"
	"fmt"
)

// ErrDeferred is returned by the recorder when the store rejected the
// write and the entry was parked in the dead-letter buffer instead. It is
// an advisory signal, not a failure: audit recording never propagates a
// persistence error into the caller's business transaction.
var ErrDeferred = errors.New("audit event deferred to retry buffer")

// ValidationError reports a missing or malformed recorder input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audit entry: %s %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown event id or a tenant mismatch. Both
// cases are indistinguishable to the caller on purpose.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("audit event %s not found", e.ID)
}

// ConflictError reports a sequence collision that survived the recorder's
// internal retries. Seeing one means another writer is appending to the
// same organization outside the per-tenant lock.
type ConflictError struct {
	OrganizationID string
	Sequence       int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sequence %d already written for organization %s", e.Sequence, e.OrganizationID)
}

// PersistenceError wraps a store failure on read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("audit store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
