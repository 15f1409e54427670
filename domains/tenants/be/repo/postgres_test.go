package repo

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/licensing-saas/domains/tenants/be/service"
	"github.com/zenGate-Global/licensing-saas/platform/go/outbox"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

func mustRegistryPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn, ok := os.LookupEnv("TEST_DATABASE_URL")
	if !ok || dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, persistence.BootstrapRegistry(ctx, pool))
	return pool
}

func TestPostgresRepositoryWritesOutboxAtomically(t *testing.T) {
	pool := mustRegistryPool(t)
	ctx := context.Background()

	store, err := persistence.NewTenantStore(pool)
	require.NoError(t, err)
	svc := service.New(NewPostgresRepository(pool, store))
	box := outbox.NewPostgresStore(pool)

	code := "IT-" + uuidSuffix()
	tn, err := svc.Register(ctx, service.RegisterInput{Name: "Integration Agency", AgencyCode: code, ContactEmail: "it@agency.example"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, service.RegisterInput{Name: "Dup", AgencyCode: code, ContactEmail: "dup@agency.example"})
	require.ErrorIs(t, err, service.ErrConflictAgencyCode)

	name := "Integration Agency Renamed"
	_, err = svc.Update(ctx, tn.ID, service.UpdateInput{Name: &name})
	require.NoError(t, err)

	off, err := svc.Deactivate(ctx, tn.ID)
	require.NoError(t, err)
	require.False(t, off.Active)

	_, err = svc.Update(ctx, tn.ID, service.UpdateInput{Name: &name})
	require.ErrorIs(t, err, service.ErrDeactivated)

	entries, err := box.ListByAggregate(ctx, tn.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3, "one outbox row per committed change and none for rejected ones")
	require.Less(t, entries[0].Seq, entries[1].Seq)
	require.Less(t, entries[1].Seq, entries[2].Seq)

	got, err := svc.Get(ctx, tn.ID)
	require.NoError(t, err)
	require.Equal(t, name, got.Name)
	require.NotNil(t, got.DeactivatedAt)
}

func uuidSuffix() string {
	return strings.ToUpper(uuid.NewString()[:8])
}
