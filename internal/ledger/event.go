package ledger

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known audit actions. The taxonomy is open: any non-empty string is
// accepted as an action, these constants only exist so reporting rules can
// match known security-relevant events without string literals scattered
// around.
const (
	ActionCreate            = "CREATE"
	ActionUpdate            = "UPDATE"
	ActionDelete            = "DELETE"
	ActionLogin             = "LOGIN"
	ActionLoginFailed       = "LOGIN_FAILED"
	ActionLogout            = "LOGOUT"
	ActionMFAEnabled        = "MFA_ENABLED"
	ActionMFADisabled       = "MFA_DISABLED"
	ActionRoleGranted       = "ROLE_GRANTED"
	ActionRoleRevoked       = "ROLE_REVOKED"
	ActionPermissionChanged = "PERMISSION_CHANGED"
	ActionExport            = "EXPORT"

	// ActionCheckpoint marks the synthetic event the retention manager
	// inserts in place of a pruned range. Its PreviousHash equals the hash
	// of the last pruned event.
	ActionCheckpoint = "RETENTION_CHECKPOINT"
)

// AuditEvent is one immutable link in a per-organization hash chain. Once
// persisted no field ever changes; the only lifecycle transition besides
// creation is deletion under retention.
type AuditEvent struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	Sequence       int64           `json:"sequence" db:"sequence"`
	UserID         *string         `json:"user_id,omitempty" db:"user_id"`
	Action         string          `json:"action" db:"action"`
	Resource       string          `json:"resource" db:"resource"`
	ResourceID     string          `json:"resource_id" db:"resource_id"`
	OldValues      json.RawMessage `json:"old_values,omitempty" db:"old_values"`
	NewValues      json.RawMessage `json:"new_values,omitempty" db:"new_values"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	IPAddress      string          `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent      string          `json:"user_agent,omitempty" db:"user_agent"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
	PreviousHash   string          `json:"previous_hash" db:"previous_hash"`
	Hash           string          `json:"hash" db:"hash"`
}

// IsCheckpoint reports whether the event is a retention checkpoint anchor.
func (e *AuditEvent) IsCheckpoint() bool {
	return e.Action == ActionCheckpoint
}

// Entry is the input contract offered to business collaborators. Field
// names mirror the persisted event; hashes, sequence, and timestamp are
// assigned by the recorder.
type Entry struct {
	OrganizationID string
	UserID         *string
	Action         string
	Resource       string
	ResourceID     string
	OldValues      json.RawMessage
	NewValues      json.RawMessage
	Metadata       json.RawMessage
	IPAddress      string
	UserAgent      string
}

// Validate enforces the recorder's input constraints. Absent required
// fields are a validation error, never silently defaulted.
func (in Entry) Validate() error {
	if strings.TrimSpace(in.OrganizationID) == "" {
		return &ValidationError{Field: "organization_id", Reason: "is required"}
	}
	if strings.TrimSpace(in.Action) == "" {
		return &ValidationError{Field: "action", Reason: "is required"}
	}
	if strings.TrimSpace(in.Resource) == "" {
		return &ValidationError{Field: "resource", Reason: "is required"}
	}
	if strings.TrimSpace(in.ResourceID) == "" {
		return &ValidationError{Field: "resource_id", Reason: "is required"}
	}
	return nil
}

// Filter narrows query, export, and report reads. OrganizationID is the
// only mandatory member; chains never interleave across tenants.
type Filter struct {
	OrganizationID string
	UserID         string
	Action         string
	Resource       string
	ResourceID     string
	DateFrom       *time.Time
	DateTo         *time.Time
}

// Match reports whether the event satisfies every set predicate.
func (f Filter) Match(e *AuditEvent) bool {
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.UserID != "" && (e.UserID == nil || *e.UserID != f.UserID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.DateFrom != nil && e.Timestamp.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && e.Timestamp.After(*f.DateTo) {
		return false
	}
	return true
}

// ChainState is the durable per-organization chain tip. It is updated in
// the same transaction as each append so it survives restarts and
// multi-instance deployments.
type ChainState struct {
	OrganizationID string `json:"organization_id" db:"organization_id"`
	LastSequence   int64  `json:"last_sequence" db:"last_sequence"`
	LastHash       string `json:"last_hash" db:"last_hash"`
}
