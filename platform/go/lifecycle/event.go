// Package lifecycle defines the tenant lifecycle event published by the tenant
// registry and consumed by every dependent service.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the event variants.
type Type string

const (
	TypeCreated Type = "Created"
	TypeUpdated Type = "Updated"
	TypeDeleted Type = "Deleted"
)

// Types lists every variant in causal order.
var Types = []Type{TypeCreated, TypeUpdated, TypeDeleted}

// Valid reports whether t is a known variant.
func (t Type) Valid() bool {
	switch t {
	case TypeCreated, TypeUpdated, TypeDeleted:
		return true
	default:
		return false
	}
}

// ErrMalformed marks events that can never be processed.
var ErrMalformed = errors.New("malformed lifecycle event")

// Event is a tagged variant: exactly one payload pointer matching Type is set.
// Events are immutable once published.
type Event struct {
	Type       Type
	EventID    uuid.UUID
	TenantID   uuid.UUID
	OccurredAt time.Time

	Created *CreatedPayload
	Updated *UpdatedPayload
	Deleted *DeletedPayload
}

type CreatedPayload struct {
	Name         string
	AgencyCode   string
	ContactEmail string
	CreatedAt    time.Time
}

// UpdatedPayload carries only the fields that changed plus the active flag.
type UpdatedPayload struct {
	Name         *string
	ContactEmail *string
	Active       bool
}

type DeletedPayload struct {
	DeletedAt time.Time
}

// NewCreated builds a Created event with a fresh event id.
func NewCreated(tenantID uuid.UUID, p CreatedPayload, at time.Time) Event {
	return Event{Type: TypeCreated, EventID: uuid.New(), TenantID: tenantID, OccurredAt: at.UTC(), Created: &p}
}

// NewUpdated builds an Updated event with a fresh event id.
func NewUpdated(tenantID uuid.UUID, p UpdatedPayload, at time.Time) Event {
	return Event{Type: TypeUpdated, EventID: uuid.New(), TenantID: tenantID, OccurredAt: at.UTC(), Updated: &p}
}

// NewDeleted builds a Deleted event with a fresh event id.
func NewDeleted(tenantID uuid.UUID, at time.Time) Event {
	return Event{Type: TypeDeleted, EventID: uuid.New(), TenantID: tenantID, OccurredAt: at.UTC(), Deleted: &DeletedPayload{DeletedAt: at.UTC()}}
}

// Validate checks the variant invariants.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
	}
	if e.EventID == uuid.Nil {
		return fmt.Errorf("%w: event id is required", ErrMalformed)
	}
	if e.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant id is required", ErrMalformed)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurredAt is required", ErrMalformed)
	}

	set := 0
	for _, p := range []bool{e.Created != nil, e.Updated != nil, e.Deleted != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one payload must be set, got %d", ErrMalformed, set)
	}

	switch e.Type {
	case TypeCreated:
		if e.Created == nil {
			return fmt.Errorf("%w: Created payload missing", ErrMalformed)
		}
		if strings.TrimSpace(e.Created.AgencyCode) == "" || strings.TrimSpace(e.Created.Name) == "" {
			return fmt.Errorf("%w: Created requires name and agency code", ErrMalformed)
		}
	case TypeUpdated:
		if e.Updated == nil {
			return fmt.Errorf("%w: Updated payload missing", ErrMalformed)
		}
	case TypeDeleted:
		if e.Deleted == nil {
			return fmt.Errorf("%w: Deleted payload missing", ErrMalformed)
		}
	}
	return nil
}

// Key is the per-tenant ordering key used by the transport and worker lanes.
func (e Event) Key() string {
	return e.TenantID.String()
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s) event=%s", e.Type, e.TenantID, e.EventID)
}
