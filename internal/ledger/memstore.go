package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Store used when no database DSN is configured
// (development mode) and by the package tests. It honors the same
// atomicity and conflict semantics as the Postgres store.
type MemStore struct {
	mu     sync.RWMutex
	events map[string][]AuditEvent // per organization, ascending sequence
	tips   map[string]ChainState
	stash  []Entry
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		events: make(map[string][]AuditEvent),
		tips:   make(map[string]ChainState),
	}
}

func (s *MemStore) Tip(_ context.Context, orgID string) (*ChainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tip, ok := s.tips[orgID]
	if !ok {
		return nil, nil
	}
	out := tip
	return &out, nil
}

func (s *MemStore) Append(_ context.Context, event *AuditEvent, tip ChainState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.events[event.OrganizationID] {
		if existing.Sequence == event.Sequence {
			return &ConflictError{OrganizationID: event.OrganizationID, Sequence: event.Sequence}
		}
	}

	s.events[event.OrganizationID] = append(s.events[event.OrganizationID], *event)
	s.tips[event.OrganizationID] = tip
	return nil
}

func (s *MemStore) Get(_ context.Context, orgID string, id uuid.UUID) (*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events[orgID] {
		if e.ID == id {
			out := e
			return &out, nil
		}
	}
	return nil, &NotFoundError{ID: id.String()}
}

func (s *MemStore) Select(_ context.Context, f Filter, limit, offset int) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []AuditEvent
	for _, e := range s.events[f.OrganizationID] {
		e := e
		if f.Match(&e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Sequence > matched[j].Sequence })

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemStore) Count(_ context.Context, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.events[f.OrganizationID] {
		e := e
		if f.Match(&e) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Range(_ context.Context, orgID string, fromSeq, toSeq int64, limit int) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditEvent
	for _, e := range s.sorted(orgID) {
		if e.Sequence < fromSeq || e.Sequence > toSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) LatestCheckpoint(_ context.Context, orgID string) (*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.sorted(orgID)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].IsCheckpoint() {
			out := events[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemStore) OlderThan(_ context.Context, orgID string, cutoff time.Time, belowSeq int64) ([]AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditEvent
	for _, e := range s.sorted(orgID) {
		if e.Sequence < belowSeq && e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemStore) Prune(_ context.Context, orgID string, fromSeq, toSeq int64, checkpoint *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []AuditEvent
	for _, e := range s.events[orgID] {
		if e.Sequence >= fromSeq && e.Sequence <= toSeq {
			continue
		}
		kept = append(kept, e)
	}
	kept = append(kept, *checkpoint)
	s.events[orgID] = kept
	return nil
}

func (s *MemStore) StashDeadLetters(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stash = append(s.stash, entries...)
	return nil
}

func (s *MemStore) TakeDeadLetters(_ context.Context, max int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 || max > len(s.stash) {
		max = len(s.stash)
	}
	out := make([]Entry, max)
	copy(out, s.stash[:max])
	s.stash = s.stash[max:]
	return out, nil
}

func (s *MemStore) sorted(orgID string) []AuditEvent {
	events := make([]AuditEvent, len(s.events[orgID]))
	copy(events, s.events[orgID])
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events
}
