package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"trailkeep/internal/metrics"
)

const (
	// DefaultDeadLetterCapacity bounds the in-process retry buffer.
	DefaultDeadLetterCapacity = 1024

	// DefaultRetryInterval is how often parked entries are replayed.
	DefaultRetryInterval = 30 * time.Second
)

// deadLetterBuffer is a bounded FIFO of audit entries that failed to
// persist. When full, the oldest entry is evicted so a dead store can
// never grow memory without bound.
type deadLetterBuffer struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

func newDeadLetterBuffer(capacity int) *deadLetterBuffer {
	if capacity <= 0 {
		capacity = DefaultDeadLetterCapacity
	}
	return &deadLetterBuffer{capacity: capacity}
}

func (b *deadLetterBuffer) push(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == b.capacity {
		b.entries = b.entries[1:]
		metrics.DeadLetterDropped.Inc()
	}
	b.entries = append(b.entries, entry)
	metrics.DeadLetterDepth.Set(float64(len(b.entries)))
}

// drain removes and returns every parked entry.
func (b *deadLetterBuffer) drain() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.entries
	b.entries = nil
	metrics.DeadLetterDepth.Set(0)
	return out
}

func (b *deadLetterBuffer) depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// RetryLoop replays the dead-letter buffer on an interval until ctx is
// cancelled. Entries that fail again are re-parked; nothing is lost while
// the buffer has room.
func (r *Recorder) RetryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.replayDeadLetters(ctx)
		}
	}
}

func (r *Recorder) replayDeadLetters(ctx context.Context) {
	parked := r.deadLetters.drain()
	if len(parked) == 0 {
		return
	}

	var failed []Entry
	for _, entry := range parked {
		if _, err := r.Record(ctx, entry); err != nil {
			failed = append(failed, entry)
		}
	}
	// Record re-parks on ErrDeferred; validation failures are dropped
	// here because they can never succeed.
	if len(failed) > 0 {
		log.Warn().Int("remaining", r.deadLetters.depth()).Msg("dead-letter replay incomplete")
	}
}

// DrainToStore persists whatever is still parked, used at shutdown once
// the store is reachable again. Entries that cannot be stashed are
// re-parked and reported.
func (r *Recorder) DrainToStore(ctx context.Context) error {
	parked := r.deadLetters.drain()
	if len(parked) == 0 {
		return nil
	}
	if err := r.store.StashDeadLetters(ctx, parked); err != nil {
		for _, entry := range parked {
			r.deadLetters.push(entry)
		}
		return err
	}
	return nil
}

// RestoreFromStore reloads entries stashed by a previous process into the
// retry buffer.
func (r *Recorder) RestoreFromStore(ctx context.Context) error {
	entries, err := r.store.TakeDeadLetters(ctx, r.deadLetters.capacity)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		r.deadLetters.push(entry)
	}
	return nil
}
