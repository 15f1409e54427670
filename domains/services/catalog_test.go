package services

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

func TestCatalogSpecs(t *testing.T) {
	require.Equal(t, []string{Documents, Licenses, Notifications, Payments}, Names())

	for _, name := range Names() {
		spec, err := Spec(name, "")
		require.NoError(t, err, name)
		require.Equal(t, name, spec.DatabasePrefix)
		require.NotEmpty(t, spec.RetireStatements, name)

		scripts, err := fs.Glob(spec.Migrations, "*.sql")
		require.NoError(t, err)
		require.NotEmpty(t, scripts, name)

		_, err = persistence.NewMigrator(spec.Migrations, nil)
		require.NoError(t, err, name)
	}
}

func TestCatalogProfileCaching(t *testing.T) {
	docs, err := Spec("Documents", "docs")
	require.NoError(t, err)
	require.True(t, docs.CachesProfile)
	require.Equal(t, "docs", docs.DatabasePrefix)

	payments, err := Spec(Payments, "")
	require.NoError(t, err)
	require.False(t, payments.CachesProfile)
}

func TestCatalogUnknownService(t *testing.T) {
	_, err := Spec("billing", "")
	require.ErrorContains(t, err, "unknown service")
}
