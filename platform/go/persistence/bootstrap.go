package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	sqlassets "github.com/zenGate-Global/licensing-saas/database"
)

// BootstrapRegistry applies the tenant registry control-plane DDL in a single
// transaction, in this order:
//  1. registry/tenants.sql
//  2. registry/outbox.sql
//
// SQL is embedded at build time so binaries stay self-contained. The helper is
// idempotent and intended for CLI bootstrap and tests.
func BootstrapRegistry(ctx context.Context, db TxBeginner) error {
	return applyDDL(ctx, db, "bootstrap registry", sqlassets.TenantsSQL, sqlassets.OutboxSQL)
}

// BootstrapService applies the control-plane DDL a dependent service needs next
// to its per-tenant databases: provisioning records, the processed-event set
// and the dead-letter table.
func BootstrapService(ctx context.Context, db TxBeginner) error {
	return applyDDL(ctx, db, "bootstrap service",
		sqlassets.ProvisioningRecordsSQL,
		sqlassets.ProcessedEventsSQL,
		sqlassets.DeadLettersSQL,
	)
}

func applyDDL(ctx context.Context, db TxBeginner, op string, scripts ...string) error {
	if db == nil {
		return fmt.Errorf("%s: pool is required", op)
	}

	return WithTx(ctx, db, func(tx pgx.Tx) error {
		for _, script := range scripts {
			if _, err := tx.Exec(ctx, script); err != nil {
				return fmt.Errorf("%s: apply ddl: %w", op, err)
			}
		}
		return nil
	})
}
