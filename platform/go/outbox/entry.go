// Package outbox implements the transactional outbox of the tenant registry:
// lifecycle events are written in the same transaction as the tenant change and
// published to the transport by a polling loop.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
)

// ErrLeaseLost is returned when an entry is updated by a publisher that no
// longer holds its lease.
var ErrLeaseLost = errors.New("outbox lease lost")

// Entry is an event awaiting publication.
type Entry struct {
	Seq            int64
	EventID        uuid.UUID
	AggregateID    uuid.UUID
	EventType      lifecycle.Type
	Payload        []byte
	CreatedAt      time.Time
	Attempts       int
	NextAttemptAt  time.Time
	LastError      *string
	LockedBy       *string
	LockedUntil    *time.Time
	PublishedAt    *time.Time
	DeadLetteredAt *time.Time
}

// Pending reports whether the entry still waits for publication.
func (e Entry) Pending() bool {
	return e.PublishedAt == nil && e.DeadLetteredAt == nil
}

// NewEntry encodes a lifecycle event into an outbox row.
func NewEntry(e lifecycle.Event) (Entry, error) {
	payload, err := lifecycle.Encode(e)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		EventID:       e.EventID,
		AggregateID:   e.TenantID,
		EventType:     e.Type,
		Payload:       payload,
		CreatedAt:     e.OccurredAt,
		NextAttemptAt: e.OccurredAt,
	}, nil
}

// Claim is a leased batch handed to one publisher.
type Claim struct {
	Owner string
	Until time.Time
}

// Store is the publisher's view of the outbox table.
type Store interface {
	// Claim leases, in seq order, up to limit entries that are the oldest
	// pending entry of their tenant and due at now.
	Claim(ctx context.Context, c Claim, limit int, now time.Time) ([]Entry, error)
	MarkPublished(ctx context.Context, seq int64, owner string, at time.Time) error
	MarkFailed(ctx context.Context, seq int64, owner string, attempts int, next time.Time, reason string) error
	MarkDeadLettered(ctx context.Context, seq int64, owner string, attempts int, at time.Time, reason string) error
	// CountPending counts entries that are neither published nor dead-lettered.
	CountPending(ctx context.Context) (int, error)
}
