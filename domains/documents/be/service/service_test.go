package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/licensing-saas/domains/documents/be/repo"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenant"
)

type memoryRepo struct {
	mu      sync.Mutex
	docs    map[uuid.UUID]repo.Document
	deleted map[uuid.UUID]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: map[uuid.UUID]repo.Document{}, deleted: map[uuid.UUID]bool{}}
}

func (m *memoryRepo) List(context.Context, repo.ListOptions) ([]repo.Document, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.Document
	for id, d := range m.docs {
		if !m.deleted[id] {
			out = append(out, d)
		}
	}
	return out, len(out), nil
}

func (m *memoryRepo) Get(_ context.Context, id uuid.UUID) (repo.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || m.deleted[id] {
		return repo.Document{}, repo.ErrNotFound
	}
	return d, nil
}

func (m *memoryRepo) Create(_ context.Context, d repo.Document) (repo.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = d
	return d, nil
}

func (m *memoryRepo) SoftDelete(_ context.Context, id uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok || m.deleted[id] {
		return repo.ErrNotFound
	}
	m.deleted[id] = true
	return nil
}

func (m *memoryRepo) Profile(context.Context) (repo.Profile, error) {
	return repo.Profile{}, repo.ErrProfileNotFound
}

func TestCreateNamespacesStorageKeyByTenant(t *testing.T) {
	svc := New(newMemoryRepo())
	tid := uuid.New()
	ctx := tenant.WithTenantID(context.Background(), tid)

	d, err := svc.Create(ctx, CreateInput{Title: " Permit ", ContentType: "application/pdf"})
	require.NoError(t, err)
	require.Equal(t, "Permit", d.Title)
	require.Equal(t, "tenants/"+tid.String()+"/documents/"+d.ID.String(), d.StorageKey)
}

func TestCreateValidation(t *testing.T) {
	svc := New(newMemoryRepo())
	ctx := tenant.WithTenantID(context.Background(), uuid.New())

	_, err := svc.Create(ctx, CreateInput{Title: "", ContentType: "application/pdf"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.Create(ctx, CreateInput{Title: "x", ContentType: "pdf"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(context.Background(), CreateInput{Title: "x", ContentType: "application/pdf"})
	require.ErrorIs(t, err, tenant.ErrUnauthenticated)
}

func TestDeleteHidesDocument(t *testing.T) {
	svc := New(newMemoryRepo())
	ctx := tenant.WithTenantID(context.Background(), uuid.New())

	d, err := svc.Create(ctx, CreateInput{Title: "Permit", ContentType: "application/pdf"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, d.ID))
	require.ErrorIs(t, svc.Delete(ctx, d.ID), repo.ErrNotFound)

	_, err = svc.Get(ctx, d.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	res, err := svc.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Zero(t, res.Total)
}
