package persistence

import (
	"context"
	"fmt"
	"os"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	sqlassets "github.com/zenGate-Global/licensing-saas/database"
)

func TestNewMigratorOrdersScripts(t *testing.T) {
	source := fstest.MapFS{
		"0010_late.sql":   {Data: []byte("SELECT 10")},
		"0002_second.sql": {Data: []byte("SELECT 2")},
		"0001_first.sql":  {Data: []byte("SELECT 1")},
		"README.md":       {Data: []byte("ignored")},
	}

	m, err := NewMigrator(source, nil)
	require.NoError(t, err)
	require.Equal(t, 10, m.Latest())
	require.Len(t, m.migrations, 3)
	require.Equal(t, "0001_first.sql", m.migrations[0].Name)
	require.Equal(t, "0002_second.sql", m.migrations[1].Name)
	require.Equal(t, "0010_late.sql", m.migrations[2].Name)
}

func TestNewMigratorRejectsBadScripts(t *testing.T) {
	tests := []struct {
		name   string
		source fstest.MapFS
	}{
		{
			name: "duplicate version",
			source: fstest.MapFS{
				"0001_a.sql": {Data: []byte("SELECT 1")},
				"1_b.sql":    {Data: []byte("SELECT 1")},
			},
		},
		{
			name:   "missing prefix",
			source: fstest.MapFS{"init.sql": {Data: []byte("SELECT 1")}},
		},
		{
			name:   "zero version",
			source: fstest.MapFS{"0000_zero.sql": {Data: []byte("SELECT 1")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMigrator(tt.source, nil)
			require.Error(t, err)
		})
	}
}

func TestEmbeddedServiceMigrationsParse(t *testing.T) {
	for _, svc := range []string{"licenses", "payments", "documents", "notifications"} {
		source, err := sqlassets.Migrations(svc)
		require.NoError(t, err, svc)

		m, err := NewMigrator(source, nil)
		require.NoError(t, err, svc)
		require.Positive(t, m.Latest(), svc)
	}

	_, err := sqlassets.Migrations("unknown")
	require.Error(t, err)
}

func TestMigratorUpIsIdempotent(t *testing.T) {
	if _, ok := os.LookupEnv("TEST_DATABASE_URL"); !ok {
		t.Skip("TEST_DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	pool, cleanup := mustTestPool(t)
	defer cleanup()

	_, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+migrationsTable+", migrator_probe")
	require.NoError(t, err)

	source := fstest.MapFS{
		"0001_probe.sql":  {Data: []byte("CREATE TABLE migrator_probe (id INT PRIMARY KEY)")},
		"0002_column.sql": {Data: []byte("ALTER TABLE migrator_probe ADD COLUMN note TEXT")},
	}
	m, err := NewMigrator(source, nil)
	require.NoError(t, err)

	first, err := m.Up(ctx, pool)
	require.NoError(t, err)
	require.Equal(t, MigrationResult{From: 0, To: 2, Applied: 2}, first)

	second, err := m.Up(ctx, pool)
	require.NoError(t, err)
	require.Equal(t, MigrationResult{From: 2, To: 2, Applied: 0}, second)

	pending, err := m.Pending(ctx, pool)
	require.NoError(t, err)
	require.Empty(t, pending)

	var columns int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM information_schema.columns WHERE table_name = 'migrator_probe'").Scan(&columns))
	require.Equal(t, 2, columns, fmt.Sprintf("expected id+note columns, got %d", columns))
}
