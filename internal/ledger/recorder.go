package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trailkeep/internal/metrics"
)

const (
	// RecordedTopic is published after every successful append.
	RecordedTopic = "trailkeep.events.recorded"

	// appendRetries bounds how often a sequence collision is retried with
	// a freshly read tip before giving up.
	appendRetries = 3
)

// Publisher is the outbound messaging surface the recorder needs.
// pkg/bus.Bus satisfies it; a nil publisher disables publishing.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Recorder links business and security events into per-organization hash
// chains. It is the only writer of chain_states besides the retention
// manager, and both serialize on the same per-tenant lock.
type Recorder struct {
	store       Store
	bus         Publisher
	locks       *OrgLocks
	deadLetters *deadLetterBuffer
	now         func() time.Time
}

// RecorderOption tunes recorder construction.
type RecorderOption func(*Recorder)

// WithPublisher attaches a message bus notified on every append.
func WithPublisher(bus Publisher) RecorderOption {
	return func(r *Recorder) { r.bus = bus }
}

// WithDeadLetterCapacity overrides the retry buffer bound.
func WithDeadLetterCapacity(n int) RecorderOption {
	return func(r *Recorder) { r.deadLetters = newDeadLetterBuffer(n) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder builds a Recorder on top of the given store.
func NewRecorder(store Store, locks *OrgLocks, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:       store,
		locks:       locks,
		deadLetters: newDeadLetterBuffer(DefaultDeadLetterCapacity),
		now:         time.Now,
	}
	if r.locks == nil {
		r.locks = NewOrgLocks()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Locks exposes the per-organization lock set so the retention manager
// can serialize against the same writer lock.
func (r *Recorder) Locks() *OrgLocks { return r.locks }

// Record validates the entry, links it to the organization's chain tip,
// and persists event plus tip atomically. Validation failures surface
// synchronously. Persistence failures park the entry in the bounded
// dead-letter buffer and return ErrDeferred; the caller's own transaction
// is never at risk.
func (r *Recorder) Record(ctx context.Context, in Entry) (*AuditEvent, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(in.OrganizationID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		tip, err := r.store.Tip(ctx, in.OrganizationID)
		if err != nil {
			return r.park(in, err)
		}

		event := r.buildEvent(in, tip)
		newTip := ChainState{
			OrganizationID: event.OrganizationID,
			LastSequence:   event.Sequence,
			LastHash:       event.Hash,
		}

		err = r.store.Append(ctx, event, newTip)
		if err == nil {
			metrics.EventsRecorded.WithLabelValues(event.Action).Inc()
			r.publish(ctx, event)
			return event, nil
		}

		var conflict *ConflictError
		if errors.As(err, &conflict) {
			// Another instance advanced the tip. Re-read and retry.
			metrics.SequenceConflicts.Inc()
			lastErr = err
			continue
		}
		return r.park(in, err)
	}
	return nil, lastErr
}

func (r *Recorder) buildEvent(in Entry, tip *ChainState) *AuditEvent {
	sequence := int64(1)
	previousHash := GenesisHash
	if tip != nil {
		sequence = tip.LastSequence + 1
		previousHash = tip.LastHash
	}

	event := &AuditEvent{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		Sequence:       sequence,
		UserID:         in.UserID,
		Action:         in.Action,
		Resource:       in.Resource,
		ResourceID:     in.ResourceID,
		OldValues:      in.OldValues,
		NewValues:      in.NewValues,
		Metadata:       in.Metadata,
		IPAddress:      in.IPAddress,
		UserAgent:      in.UserAgent,
		Timestamp:      TruncateTimestamp(r.now()),
		PreviousHash:   previousHash,
	}
	event.Hash = EventHash(event)
	return event
}

func (r *Recorder) park(in Entry, cause error) (*AuditEvent, error) {
	r.deadLetters.push(in)
	metrics.RecordFailures.Inc()
	log.Error().Err(cause).
		Str("organization_id", in.OrganizationID).
		Str("action", in.Action).
		Msg("audit append failed, entry parked for retry")
	return nil, ErrDeferred
}

func (r *Recorder) publish(ctx context.Context, event *AuditEvent) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, RecordedTopic, event); err != nil {
		log.Warn().Err(err).Str("subject", RecordedTopic).Msg("publish recorded event")
	}
}

// OrgLocks serializes writers per organization while leaving different
// tenants fully parallel.
type OrgLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrgLocks returns an empty per-tenant lock set.
func NewOrgLocks() *OrgLocks {
	return &OrgLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for orgID and returns its release function.
func (l *OrgLocks) Lock(orgID string) func() {
	l.mu.Lock()
	m, ok := l.locks[orgID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[orgID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
