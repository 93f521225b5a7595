package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func testEntry(org, action string) Entry {
	return Entry{
		OrganizationID: org,
		Action:         action,
		Resource:       "invoice",
		ResourceID:     "inv-1",
	}
}

func TestRecordValidation(t *testing.T) {
	r := NewRecorder(NewMemStore(), nil)

	tests := []struct {
		name  string
		entry Entry
		field string
	}{
		{"missing organization", Entry{Action: "CREATE", Resource: "invoice", ResourceID: "1"}, "organization_id"},
		{"missing action", Entry{OrganizationID: "org-1", Resource: "invoice", ResourceID: "1"}, "action"},
		{"missing resource", Entry{OrganizationID: "org-1", Action: "CREATE", ResourceID: "1"}, "resource"},
		{"missing resource id", Entry{OrganizationID: "org-1", Action: "CREATE", Resource: "invoice"}, "resource_id"},
		{"blank organization", Entry{OrganizationID: "  ", Action: "CREATE", Resource: "invoice", ResourceID: "1"}, "organization_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Record(context.Background(), tc.entry)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if validation.Field != tc.field {
				t.Fatalf("field = %q, want %q", validation.Field, tc.field)
			}
		})
	}
}

func TestRecordBuildsChain(t *testing.T) {
	store := NewMemStore()
	r := NewRecorder(store, nil)
	ctx := context.Background()

	var events []*AuditEvent
	for i := 0; i < 5; i++ {
		e, err := r.Record(ctx, testEntry("org-1", ActionCreate))
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		events = append(events, e)
	}

	if events[0].Sequence != 1 {
		t.Fatalf("first sequence = %d, want 1", events[0].Sequence)
	}
	if events[0].PreviousHash != GenesisHash {
		t.Fatalf("first previous hash = %q, want genesis", events[0].PreviousHash)
	}

	for i := 1; i < len(events); i++ {
		if events[i].Sequence != events[i-1].Sequence+1 {
			t.Fatalf("sequence gap at %d: %d after %d", i, events[i].Sequence, events[i-1].Sequence)
		}
		if events[i].PreviousHash != events[i-1].Hash {
			t.Fatalf("link broken at %d", i)
		}
		if EventHash(events[i]) != events[i].Hash {
			t.Fatalf("stored hash does not recompute at %d", i)
		}
	}

	tip, err := store.Tip(ctx, "org-1")
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.LastSequence != 5 || tip.LastHash != events[4].Hash {
		t.Fatalf("tip = %+v, want sequence 5 hash %s", tip, events[4].Hash)
	}
}

func TestRecordChainsAreTenantIsolated(t *testing.T) {
	r := NewRecorder(NewMemStore(), nil)
	ctx := context.Background()

	a, err := r.Record(ctx, testEntry("org-a", ActionCreate))
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Record(ctx, testEntry("org-b", ActionCreate))
	if err != nil {
		t.Fatal(err)
	}

	if a.Sequence != 1 || b.Sequence != 1 {
		t.Fatalf("each tenant starts at 1, got %d and %d", a.Sequence, b.Sequence)
	}
	if a.PreviousHash != GenesisHash || b.PreviousHash != GenesisHash {
		t.Fatal("each tenant anchors at genesis")
	}
}

func TestRecordConcurrentWritersStayContiguous(t *testing.T) {
	store := NewMemStore()
	r := NewRecorder(store, nil)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry := testEntry("org-1", ActionUpdate)
			entry.ResourceID = fmt.Sprintf("inv-%d", i)
			if _, err := r.Record(ctx, entry); err != nil {
				t.Errorf("record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	events, err := store.Range(ctx, "org-1", 1, n, n)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != n {
		t.Fatalf("got %d events, want %d", len(events), n)
	}
	prev := GenesisHash
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			t.Fatalf("sequence %d at position %d", e.Sequence, i)
		}
		if e.PreviousHash != prev {
			t.Fatalf("link broken at sequence %d", e.Sequence)
		}
		prev = e.Hash
	}
}

// failingStore wraps a Store and fails Append until healed.
type failingStore struct {
	Store
	mu     sync.Mutex
	broken bool
}

func (s *failingStore) setBroken(broken bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = broken
}

func (s *failingStore) Append(ctx context.Context, event *AuditEvent, tip ChainState) error {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return &PersistenceError{Op: "append", Err: errors.New("connection refused")}
	}
	return s.Store.Append(ctx, event, tip)
}

func TestRecordDefersOnPersistenceFailure(t *testing.T) {
	store := &failingStore{Store: NewMemStore(), broken: true}
	r := NewRecorder(store, nil)
	ctx := context.Background()

	event, err := r.Record(ctx, testEntry("org-1", ActionCreate))
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("err = %v, want ErrDeferred", err)
	}
	if event != nil {
		t.Fatal("deferred record must not return an event")
	}
	if depth := r.deadLetters.depth(); depth != 1 {
		t.Fatalf("dead letter depth = %d, want 1", depth)
	}

	// Heal the store and replay: the parked entry lands on the chain.
	store.setBroken(false)
	r.replayDeadLetters(ctx)

	if depth := r.deadLetters.depth(); depth != 0 {
		t.Fatalf("dead letter depth after replay = %d, want 0", depth)
	}
	tip, err := store.Tip(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if tip == nil || tip.LastSequence != 1 {
		t.Fatalf("tip = %+v, want sequence 1", tip)
	}
}

func TestDeadLetterBufferBounded(t *testing.T) {
	store := &failingStore{Store: NewMemStore(), broken: true}
	r := NewRecorder(store, nil, WithDeadLetterCapacity(3))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := testEntry("org-1", ActionCreate)
		entry.ResourceID = fmt.Sprintf("inv-%d", i)
		if _, err := r.Record(ctx, entry); !errors.Is(err, ErrDeferred) {
			t.Fatalf("record %d: err = %v, want ErrDeferred", i, err)
		}
	}

	if depth := r.deadLetters.depth(); depth != 3 {
		t.Fatalf("depth = %d, want capacity 3", depth)
	}
	// Oldest entries were evicted; the survivors are the newest three.
	parked := r.deadLetters.drain()
	if parked[0].ResourceID != "inv-2" || parked[2].ResourceID != "inv-4" {
		t.Fatalf("unexpected survivors: %s .. %s", parked[0].ResourceID, parked[2].ResourceID)
	}
}

func TestDrainAndRestoreRoundTrip(t *testing.T) {
	mem := NewMemStore()
	store := &failingStore{Store: mem, broken: true}
	r := NewRecorder(store, nil)
	ctx := context.Background()

	if _, err := r.Record(ctx, testEntry("org-1", ActionCreate)); !errors.Is(err, ErrDeferred) {
		t.Fatalf("err = %v, want ErrDeferred", err)
	}

	if err := r.DrainToStore(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if depth := r.deadLetters.depth(); depth != 0 {
		t.Fatalf("depth after drain = %d, want 0", depth)
	}

	// A fresh recorder (new process) picks the stash back up.
	r2 := NewRecorder(store, nil)
	if err := r2.RestoreFromStore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if depth := r2.deadLetters.depth(); depth != 1 {
		t.Fatalf("depth after restore = %d, want 1", depth)
	}

	store.setBroken(false)
	r2.replayDeadLetters(ctx)
	tip, err := mem.Tip(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if tip == nil || tip.LastSequence != 1 {
		t.Fatalf("tip = %+v, want sequence 1", tip)
	}
}

type capturingBus struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (b *capturingBus) Publish(_ context.Context, subject string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, v)
	return nil
}

func TestRecordPublishesRecordedTopic(t *testing.T) {
	bus := &capturingBus{}
	r := NewRecorder(NewMemStore(), nil, WithPublisher(bus))

	if _, err := r.Record(context.Background(), testEntry("org-1", ActionCreate)); err != nil {
		t.Fatal(err)
	}

	if len(bus.subjects) != 1 || bus.subjects[0] != RecordedTopic {
		t.Fatalf("subjects = %v, want one %q", bus.subjects, RecordedTopic)
	}
	event, ok := bus.payloads[0].(*AuditEvent)
	if !ok || event.Sequence != 1 {
		t.Fatalf("payload = %#v, want the recorded event", bus.payloads[0])
	}
}

func TestRecordPreservesPayloadBytes(t *testing.T) {
	store := NewMemStore()
	r := NewRecorder(store, nil)

	entry := testEntry("org-1", ActionUpdate)
	entry.OldValues = json.RawMessage(`{"total":100,"note":"a&b"}`)
	entry.NewValues = json.RawMessage(`{"total":250}`)

	event, err := r.Record(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}

	stored, err := store.Get(context.Background(), "org-1", event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(stored.OldValues) != string(entry.OldValues) {
		t.Fatalf("old values rewritten: %s", stored.OldValues)
	}
	if EventHash(stored) != stored.Hash {
		t.Fatal("stored event does not re-hash")
	}
}

func TestRecordHashCoversClientBytesVerbatim(t *testing.T) {
	store := NewMemStore()
	r := NewRecorder(store, nil)

	entry := testEntry("org-1", ActionUpdate)
	// Spacing and key order that a normalizing column type (jsonb)
	// would rewrite on the way in.
	entry.NewValues = json.RawMessage(`{"total": 150, "currency": "USD"}`)

	event, err := r.Record(context.Background(), entry)
	if err != nil {
		t.Fatal(err)
	}

	stored, err := store.Get(context.Background(), "org-1", event.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(stored.NewValues) != string(entry.NewValues) {
		t.Fatalf("new values rewritten: %s", stored.NewValues)
	}
	if EventHash(stored) != stored.Hash {
		t.Fatal("stored event does not re-hash")
	}

	// The same value in normalized form must not re-hash: the store has
	// to hand back the exact bytes the hash was computed over.
	normalized := *stored
	normalized.NewValues = json.RawMessage(`{"currency": "USD", "total": 150}`)
	if EventHash(&normalized) == stored.Hash {
		t.Fatal("hash did not cover the blob bytes")
	}
}

func TestRecordLookupUnknownID(t *testing.T) {
	store := NewMemStore()
	if _, err := store.Get(context.Background(), "org-1", uuid.New()); err == nil {
		t.Fatal("expected not found")
	} else {
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("err = %v, want NotFoundError", err)
		}
	}
}
