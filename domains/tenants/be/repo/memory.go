package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zenGate-Global/licensing-saas/domains/tenants/be/service"
	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
	"github.com/zenGate-Global/licensing-saas/platform/go/outbox"
)

// MemoryRepository is an in-memory registry for tests and local development.
// Tenant writes and outbox appends happen under the same lock.
type MemoryRepository struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]service.Tenant
	byCode map[string]uuid.UUID
	outbox *outbox.MemoryStore
}

// NewMemoryRepository constructs a MemoryRepository appending events to box.
func NewMemoryRepository(box *outbox.MemoryStore) *MemoryRepository {
	if box == nil {
		panic("outbox store is required")
	}
	return &MemoryRepository{
		byID:   make(map[uuid.UUID]service.Tenant),
		byCode: make(map[string]uuid.UUID),
		outbox: box,
	}
}

func (r *MemoryRepository) List(_ context.Context, opts service.ListOptions) (service.ListResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]service.Tenant, 0, len(r.byID))
	for _, t := range r.byID {
		if opts.Active != nil && t.Active != *opts.Active {
			continue
		}
		items = append(items, t)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })

	start := (opts.Page - 1) * opts.PageSize
	end := start + opts.PageSize
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	return service.ListResult{
		Tenants:    items[start:end],
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		TotalItems: len(items),
		TotalPages: (len(items) + opts.PageSize - 1) / opts.PageSize,
	}, nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (service.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return service.Tenant{}, service.ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepository) GetByAgencyCode(_ context.Context, code string) (service.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byCode[code]
	if !ok {
		return service.Tenant{}, service.ErrNotFound
	}
	return r.byID[id], nil
}

func (r *MemoryRepository) Create(_ context.Context, t service.Tenant, event lifecycle.Event) (service.Tenant, error) {
	entry, err := outbox.NewEntry(event)
	if err != nil {
		return service.Tenant{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCode[t.AgencyCode]; exists {
		return service.Tenant{}, service.ErrConflictAgencyCode
	}
	if _, err := r.outbox.Append(entry); err != nil {
		return service.Tenant{}, err
	}

	r.byID[t.ID] = t
	r.byCode[t.AgencyCode] = t.ID
	return t, nil
}

func (r *MemoryRepository) Mutate(_ context.Context, id uuid.UUID, fn service.MutateFunc) (service.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[id]
	if !ok {
		return service.Tenant{}, service.ErrNotFound
	}

	change, err := fn(current)
	if err != nil {
		return service.Tenant{}, err
	}
	if change.Event == nil {
		return change.Tenant, nil
	}

	entry, err := outbox.NewEntry(*change.Event)
	if err != nil {
		return service.Tenant{}, err
	}
	if _, err := r.outbox.Append(entry); err != nil {
		return service.Tenant{}, err
	}

	r.byID[id] = change.Tenant
	return change.Tenant, nil
}

// Ensure interface compliance.
var _ service.Repository = (*MemoryRepository)(nil)
