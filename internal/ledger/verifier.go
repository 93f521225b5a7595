package ledger

import (
	"context"

	"trailkeep/internal/metrics"
)

// IntegrityReport is the structured outcome of a chain scan. A break is
// reported as data, never as an error: BrokenAtSequence is the
// authoritative pass/fail signal, IntegrityScore a coarse metric.
type IntegrityReport struct {
	OrganizationID   string  `json:"organization_id"`
	FromSequence     int64   `json:"from_sequence"`
	ToSequence       int64   `json:"to_sequence"`
	TotalEvents      int64   `json:"total_events"`
	ValidEvents      int64   `json:"valid_events"`
	InvalidHashes    int64   `json:"invalid_hashes"`
	BrokenAtSequence *int64  `json:"broken_at_sequence"`
	IntegrityScore   float64 `json:"integrity_score"`
}

// Valid reports whether the scanned range is an unbroken chain.
func (r *IntegrityReport) Valid() bool { return r.BrokenAtSequence == nil }

// Verifier recomputes chain hashes over a consistent snapshot of the
// store. It never writes.
type Verifier struct {
	store Store
}

// NewVerifier builds a Verifier over the given store.
func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// Verify recomputes hash(previousHash, canonicalize(event)) for every
// event in [fromSeq, toSeq] and compares against the stored values.
// Passing 0 for either bound means "chain start" / "tip as of now"; the
// upper bound is snapshotted before scanning so concurrent appends never
// surface as false breaks.
//
// The first mismatch pins BrokenAtSequence. Because the chain is
// cumulative, everything after a break is untrustworthy even when
// individually self-consistent; such events are counted but not credited
// as valid.
func (v *Verifier) Verify(ctx context.Context, orgID string, fromSeq, toSeq int64) (*IntegrityReport, error) {
	return v.scan(ctx, orgID, fromSeq, toSeq, false)
}

// VerifyValid is the early-exit flavor for callers that only need a
// boolean "chain valid so far" answer.
func (v *Verifier) VerifyValid(ctx context.Context, orgID string) (bool, error) {
	report, err := v.scan(ctx, orgID, 0, 0, true)
	if err != nil {
		return false, err
	}
	return report.Valid(), nil
}

func (v *Verifier) scan(ctx context.Context, orgID string, fromSeq, toSeq int64, stopAtBreak bool) (*IntegrityReport, error) {
	if fromSeq <= 0 {
		fromSeq = 1
	}
	if toSeq <= 0 {
		tip, err := v.store.Tip(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if tip == nil {
			return &IntegrityReport{OrganizationID: orgID, FromSequence: fromSeq, IntegrityScore: 100}, nil
		}
		toSeq = tip.LastSequence
	}

	report := &IntegrityReport{
		OrganizationID: orgID,
		FromSequence:   fromSeq,
		ToSequence:     toSeq,
	}

	var (
		expectedPrev string
		havePrev     bool
		broken       bool
	)

	cursor := fromSeq
	for cursor <= toSeq {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := v.store.Range(ctx, orgID, cursor, toSeq, RangePageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			event := &page[i]
			report.TotalEvents++

			valid := EventHash(event) == event.Hash
			// A checkpoint's PreviousHash anchors the pruned range it
			// replaced, not its in-store predecessor, so the link check
			// does not apply to it.
			if valid && havePrev && !event.IsCheckpoint() && event.PreviousHash != expectedPrev {
				valid = false
			}
			// The very first link of a chain must anchor at the fixed
			// genesis constant unless it is a checkpoint attestation.
			if valid && !havePrev && event.Sequence == 1 && !event.IsCheckpoint() && event.PreviousHash != GenesisHash {
				valid = false
			}

			if !valid {
				report.InvalidHashes++
				if !broken {
					broken = true
					seq := event.Sequence
					report.BrokenAtSequence = &seq
				}
			} else if !broken {
				report.ValidEvents++
			}

			// A checkpoint attests to a pruned prefix: its stored
			// PreviousHash is the hash of the last deleted event, which
			// surviving successors still link against. The chain passes
			// through the attestation, not over the checkpoint's own hash.
			if event.IsCheckpoint() {
				expectedPrev = event.PreviousHash
			} else {
				expectedPrev = event.Hash
			}
			havePrev = true

			if broken && stopAtBreak {
				v.finish(report, toSeq)
				return report, nil
			}
		}
		cursor = page[len(page)-1].Sequence + 1
	}

	v.finish(report, toSeq)
	return report, nil
}

func (v *Verifier) finish(report *IntegrityReport, toSeq int64) {
	report.ToSequence = toSeq
	if report.TotalEvents == 0 {
		report.IntegrityScore = 100
	} else {
		report.IntegrityScore = float64(report.ValidEvents) / float64(report.TotalEvents) * 100
	}

	result := "valid"
	if !report.Valid() {
		result = "broken"
	}
	metrics.VerificationRuns.WithLabelValues(result).Inc()
}
