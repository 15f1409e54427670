package sqlassets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed schema/registry/tenants.sql
var TenantsSQL string

//go:embed schema/registry/outbox.sql
var OutboxSQL string

//go:embed schema/service/provisioning_records.sql
var ProvisioningRecordsSQL string

//go:embed schema/service/processed_events.sql
var ProcessedEventsSQL string

//go:embed schema/service/dead_letters.sql
var DeadLettersSQL string

//go:embed migrations
var migrations embed.FS

// Migrations returns the per-tenant migration scripts of a dependent service.
func Migrations(service string) (fs.FS, error) {
	sub, err := fs.Sub(migrations, "migrations/"+service)
	if err != nil {
		return nil, fmt.Errorf("migrations for %s: %w", service, err)
	}
	if _, err := fs.ReadDir(sub, "."); err != nil {
		return nil, fmt.Errorf("migrations for %s: %w", service, err)
	}
	return sub, nil
}
