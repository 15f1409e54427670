package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/licensing-saas/domains/tenants/be/service"
	"github.com/zenGate-Global/licensing-saas/platform/go/lifecycle"
	"github.com/zenGate-Global/licensing-saas/platform/go/outbox"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

// DB is the registry pool: queries plus transactions.
type DB interface {
	persistence.Querier
	persistence.TxBeginner
}

// PostgresRepository implements the tenant repository on the tenants table.
// Every change is committed together with its outbox row.
type PostgresRepository struct {
	db    DB
	store *persistence.TenantStore
}

// NewPostgresRepository constructs a repository backed by TenantStore.
func NewPostgresRepository(db DB, store *persistence.TenantStore) *PostgresRepository {
	if db == nil {
		panic("registry pool is required")
	}
	if store == nil {
		panic("tenant store is required")
	}
	return &PostgresRepository{db: db, store: store}
}

func (r *PostgresRepository) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	offset := (opts.Page - 1) * opts.PageSize
	rows, total, err := r.store.List(ctx, opts.Active, opts.PageSize, offset)
	if err != nil {
		return service.ListResult{}, err
	}

	tenants := make([]service.Tenant, 0, len(rows))
	for _, rec := range rows {
		tenants = append(tenants, toServiceTenant(rec))
	}

	totalPages := (total + opts.PageSize - 1) / opts.PageSize
	return service.ListResult{Tenants: tenants, Page: opts.Page, PageSize: opts.PageSize, TotalItems: total, TotalPages: totalPages}, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (service.Tenant, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return service.Tenant{}, mapNotFound(err)
	}
	return toServiceTenant(rec), nil
}

func (r *PostgresRepository) GetByAgencyCode(ctx context.Context, code string) (service.Tenant, error) {
	rec, err := r.store.GetByAgencyCode(ctx, code)
	if err != nil {
		return service.Tenant{}, mapNotFound(err)
	}
	return toServiceTenant(rec), nil
}

func (r *PostgresRepository) Create(ctx context.Context, t service.Tenant, event lifecycle.Event) (service.Tenant, error) {
	entry, err := outbox.NewEntry(event)
	if err != nil {
		return service.Tenant{}, err
	}

	var out persistence.TenantRecord
	err = persistence.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		rec, err := r.store.Insert(ctx, tx, toRecord(t))
		if err != nil {
			return mapConflict(err)
		}
		if _, err := outbox.Enqueue(ctx, tx, entry); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return service.Tenant{}, err
	}
	return toServiceTenant(out), nil
}

func (r *PostgresRepository) Mutate(ctx context.Context, id uuid.UUID, fn service.MutateFunc) (service.Tenant, error) {
	var out service.Tenant
	err := persistence.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		rec, err := r.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return mapNotFound(err)
		}

		change, err := fn(toServiceTenant(rec))
		if err != nil {
			return err
		}
		if change.Event == nil {
			out = change.Tenant
			return nil
		}

		entry, err := outbox.NewEntry(*change.Event)
		if err != nil {
			return err
		}
		updated, err := r.store.Update(ctx, tx, toRecord(change.Tenant))
		if err != nil {
			return err
		}
		if _, err := outbox.Enqueue(ctx, tx, entry); err != nil {
			return err
		}
		out = toServiceTenant(updated)
		return nil
	})
	if err != nil {
		return service.Tenant{}, err
	}
	return out, nil
}

func toRecord(t service.Tenant) persistence.TenantRecord {
	return persistence.TenantRecord{
		TenantID:      t.ID,
		Name:          t.Name,
		AgencyCode:    t.AgencyCode,
		ContactEmail:  t.ContactEmail,
		IsActive:      t.Active,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		DeactivatedAt: t.DeactivatedAt,
	}
}

func toServiceTenant(rec persistence.TenantRecord) service.Tenant {
	return service.Tenant{
		ID:            rec.TenantID,
		Name:          rec.Name,
		AgencyCode:    rec.AgencyCode,
		ContactEmail:  rec.ContactEmail,
		Active:        rec.IsActive,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		DeactivatedAt: rec.DeactivatedAt,
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return service.ErrNotFound
	}
	return err
}

func mapConflict(err error) error {
	if persistence.IsUniqueViolation(err, persistence.TenantsAgencyCodeKey) {
		return service.ErrConflictAgencyCode
	}
	return err
}

// Ensure interface compliance.
var _ service.Repository = (*PostgresRepository)(nil)
