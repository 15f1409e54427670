package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateEvent mirrors the unique event_id constraint.
var ErrDuplicateEvent = errors.New("outbox event already enqueued")

// MemoryStore is an in-memory outbox used by tests and the in-memory registry.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	entries []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores e with the next sequence number.
func (s *MemoryStore) Append(e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.entries {
		if existing.EventID == e.EventID {
			return Entry{}, ErrDuplicateEvent
		}
	}

	s.seq++
	e.Seq = s.seq
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = e.CreatedAt
	}
	stored := e
	s.entries = append(s.entries, &stored)
	return stored, nil
}

func (s *MemoryStore) Claim(ctx context.Context, c Claim, limit int, now time.Time) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]bool)
	var out []Entry
	for _, e := range s.entries {
		if !e.Pending() {
			continue
		}
		if seen[e.AggregateID] {
			// only the oldest pending entry of a tenant is eligible
			continue
		}
		seen[e.AggregateID] = true

		if e.NextAttemptAt.After(now) {
			continue
		}
		if e.LockedUntil != nil && !e.LockedUntil.Before(now) {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}

		owner, until := c.Owner, c.Until
		e.LockedBy, e.LockedUntil = &owner, &until
		out = append(out, *e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, seq int64, owner string, at time.Time) error {
	return s.withLeased(seq, owner, func(e *Entry) {
		e.PublishedAt = &at
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, seq int64, owner string, attempts int, next time.Time, reason string) error {
	return s.withLeased(seq, owner, func(e *Entry) {
		e.Attempts = attempts
		e.NextAttemptAt = next
		e.LastError = &reason
	})
}

func (s *MemoryStore) MarkDeadLettered(_ context.Context, seq int64, owner string, attempts int, at time.Time, reason string) error {
	return s.withLeased(seq, owner, func(e *Entry) {
		e.Attempts = attempts
		e.DeadLetteredAt = &at
		e.LastError = &reason
	})
}

func (s *MemoryStore) CountPending(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Pending() {
			n++
		}
	}
	return n, nil
}

// Entries returns a snapshot in seq order.
func (s *MemoryStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

func (s *MemoryStore) withLeased(seq int64, owner string, fn func(e *Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Seq != seq {
			continue
		}
		if e.PublishedAt != nil || e.LockedBy == nil || *e.LockedBy != owner {
			return ErrLeaseLost
		}
		fn(e)
		e.LockedBy, e.LockedUntil = nil, nil
		return nil
	}
	return ErrLeaseLost
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
