package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// GenesisHash is the well-known PreviousHash of the first event of any
// chain. Checkpoints re-anchor against the pruned tip hash instead.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalTimeLayout is fixed-width UTC with microsecond precision.
// Microseconds, not nanoseconds: timestamptz columns round to
// microseconds, and a stored event must re-hash to the same digest after
// a database round-trip.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000Z"

// CanonicalTime formats t the way CanonicalBytes hashes it.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(canonicalTimeLayout)
}

// TruncateTimestamp clamps t to the precision the canonical form carries.
// The recorder applies it before hashing so invariant re-verification
// holds for every persisted row.
func TruncateTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// CanonicalBytes produces the deterministic serialization of every hashed
// field of an event. The value is an encoding/json object: Go emits map
// keys in sorted order, numbers stay unquoted integers, and the old/new
// value and metadata blobs pass through as opaque raw JSON exactly as
// they were recorded. Identical inputs yield identical bytes across
// processes, which is what makes exported chains re-verifiable offline.
func CanonicalBytes(e *AuditEvent) []byte {
	fields := map[string]any{
		"action":         e.Action,
		"ipAddress":      e.IPAddress,
		"metadata":       rawOrNull(e.Metadata),
		"newValues":      rawOrNull(e.NewValues),
		"oldValues":      rawOrNull(e.OldValues),
		"organizationId": e.OrganizationID,
		"resource":       e.Resource,
		"resourceId":     e.ResourceID,
		"sequence":       e.Sequence,
		"timestamp":      CanonicalTime(e.Timestamp),
		"userAgent":      e.UserAgent,
		"userId":         e.UserID,
	}

	// Marshal of a map[string]any with these value types cannot fail.
	data, _ := json.Marshal(fields)
	return data
}

// ChainHash computes the hex SHA-256 digest over the predecessor hash
// concatenated with the canonical event bytes.
func ChainHash(previousHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// EventHash is the convenience composition used by the recorder and the
// verifier: H(previousHash || canonicalize(event)).
func EventHash(e *AuditEvent) string {
	return ChainHash(e.PreviousHash, CanonicalBytes(e))
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
