// Package provisioning reconciles a dependent service's per-tenant databases
// with the tenant lifecycle events published by the registry.
package provisioning

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
)

// State of a (service, tenant) pair.
type State string

const (
	StateUnprovisioned State = "Unprovisioned"
	StateProvisioning  State = "Provisioning"
	StateProvisioned   State = "Provisioned"
	StateRetiring      State = "Retiring"
	StateRetired       State = "Retired"
	StateFailed        State = "Failed"
)

// Retired reports whether the tenant is on its way out or gone. Both states
// refuse new connections and ignore further lifecycle events except Deleted
// resuming a Retiring record.
func (s State) Retired() bool {
	return s == StateRetiring || s == StateRetired
}

var ErrRecordNotFound = errors.New("provisioning record not found")

// Record tracks one tenant database of one service. Retired records are never
// erased.
type Record struct {
	Service          string
	TenantID         uuid.UUID
	DatabaseName     string
	State            State
	MigrationVersion int
	Attempts         int
	LastError        *string

	// cached, non-authoritative tenant attributes
	DisplayName  string
	AgencyCode   string
	ContactEmail string
	Active       bool
	ProfileAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	RetiredAt *time.Time
}

// applyProfile copies attributes from e when e is not older than what the
// record already holds. An older Created still fills the fields newer updates
// left blank, since Updated carries only what changed. It reports whether
// anything was taken.
func (r *Record) applyProfile(e lifecycle.Event) bool {
	if r.ProfileAt != nil && e.OccurredAt.Before(*r.ProfileAt) {
		if e.Type != lifecycle.TypeCreated {
			return false
		}
		return r.fillFromCreated(e.Created)
	}

	switch e.Type {
	case lifecycle.TypeCreated:
		r.DisplayName = e.Created.Name
		r.AgencyCode = e.Created.AgencyCode
		r.ContactEmail = e.Created.ContactEmail
		r.Active = true
	case lifecycle.TypeUpdated:
		if e.Updated.Name != nil {
			r.DisplayName = *e.Updated.Name
		}
		if e.Updated.ContactEmail != nil {
			r.ContactEmail = *e.Updated.ContactEmail
		}
		r.Active = e.Updated.Active
	default:
		return false
	}

	at := e.OccurredAt
	r.ProfileAt = &at
	return true
}

func (r *Record) fillFromCreated(c *lifecycle.CreatedPayload) bool {
	filled := false
	// agency code is immutable and only Created carries it
	if r.AgencyCode == "" && c.AgencyCode != "" {
		r.AgencyCode = c.AgencyCode
		filled = true
	}
	if r.DisplayName == "" && c.Name != "" {
		r.DisplayName = c.Name
		filled = true
	}
	if r.ContactEmail == "" && c.ContactEmail != "" {
		r.ContactEmail = c.ContactEmail
		filled = true
	}
	return filled
}

// RecordStore persists records. It is written only by the orchestrator of the
// owning service, under per-tenant serialization.
type RecordStore interface {
	Get(ctx context.Context, service string, tenantID uuid.UUID) (Record, error)
	Save(ctx context.Context, rec Record) error
}

// MemoryRecordStore keeps records in memory.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

type recordKey struct {
	service  string
	tenantID uuid.UUID
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[recordKey]Record)}
}

func (s *MemoryRecordStore) Get(ctx context.Context, service string, tenantID uuid.UUID) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{service, tenantID}]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (s *MemoryRecordStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{rec.Service, rec.TenantID}] = rec
	return nil
}

var (
	_ RecordStore = (*MemoryRecordStore)(nil)
	_ RecordStore = (*PostgresRecordStore)(nil)
)
