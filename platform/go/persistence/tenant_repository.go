package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TenantsTable is the tenant registry table.
const TenantsTable = "tenants"

// TenantsAgencyCodeKey is the unique constraint guarding agency codes.
const TenantsAgencyCodeKey = "tenants_agency_code_key"

// TenantRecord represents a tenant registry row.
type TenantRecord struct {
	TenantID      uuid.UUID  `db:"tenant_id"`
	Name          string     `db:"name"`
	AgencyCode    string     `db:"agency_code"`
	ContactEmail  string     `db:"contact_email"`
	IsActive      bool       `db:"is_active"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	DeactivatedAt *time.Time `db:"deactivated_at"`
}

const tenantColumns = `tenant_id, name, agency_code, contact_email, is_active, created_at, updated_at, deactivated_at`

// ErrNotFound is returned when a tenant record is not found.
var ErrNotFound = errors.New("tenant not found")

// TenantStore provides access to the tenants table. Writes take the caller's
// Querier so they can share a transaction with the outbox insert.
type TenantStore struct {
	db Querier
}

// NewTenantStore creates a store; assumes bootstrap already created the table.
func NewTenantStore(db Querier) (*TenantStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	return &TenantStore{db: db}, nil
}

// Insert writes a new tenant row using q (usually a transaction).
func (s *TenantStore) Insert(ctx context.Context, q Querier, rec TenantRecord) (TenantRecord, error) {
	if rec.TenantID == uuid.Nil {
		return TenantRecord{}, errors.New("tenant id is required")
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (%s)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        RETURNING %s
    `, TenantsTable, tenantColumns, tenantColumns)

	row := q.QueryRow(ctx, query,
		rec.TenantID, rec.Name, rec.AgencyCode, rec.ContactEmail, rec.IsActive,
		rec.CreatedAt, rec.UpdatedAt, rec.DeactivatedAt,
	)
	return scanTenantRecord(row)
}

// Update rewrites the mutable columns of an existing tenant. Agency code and
// creation time are never touched.
func (s *TenantStore) Update(ctx context.Context, q Querier, rec TenantRecord) (TenantRecord, error) {
	query := fmt.Sprintf(`
        UPDATE %s
        SET name = $2, contact_email = $3, is_active = $4, updated_at = $5, deactivated_at = $6
        WHERE tenant_id = $1
        RETURNING %s
    `, TenantsTable, tenantColumns)

	row := q.QueryRow(ctx, query, rec.TenantID, rec.Name, rec.ContactEmail, rec.IsActive, rec.UpdatedAt, rec.DeactivatedAt)
	return scanTenantRecord(row)
}

// Get fetches a tenant by id regardless of its active flag.
func (s *TenantStore) Get(ctx context.Context, id uuid.UUID) (TenantRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1`, tenantColumns, TenantsTable)
	return scanTenantRecord(s.db.QueryRow(ctx, query, id))
}

// GetForUpdate fetches and row-locks a tenant inside q.
func (s *TenantStore) GetForUpdate(ctx context.Context, q Querier, id uuid.UUID) (TenantRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = $1 FOR UPDATE`, tenantColumns, TenantsTable)
	return scanTenantRecord(q.QueryRow(ctx, query, id))
}

// GetByAgencyCode returns the tenant owning code.
func (s *TenantStore) GetByAgencyCode(ctx context.Context, code string) (TenantRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE agency_code = $1`, tenantColumns, TenantsTable)
	return scanTenantRecord(s.db.QueryRow(ctx, query, code))
}

// List returns paginated tenants, newest first, with an optional active filter.
func (s *TenantStore) List(ctx context.Context, active *bool, limit, offset int) ([]TenantRecord, int, error) {
	where := ""
	args := []any{}
	if active != nil {
		where = "WHERE is_active = $1"
		args = append(args, *active)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s %s", TenantsTable, where)
	var total int
	if err := s.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s %s
        ORDER BY created_at DESC
        LIMIT %d OFFSET %d`, tenantColumns, TenantsTable, where, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []TenantRecord
	for rows.Next() {
		rec, err := scanTenantRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

func scanTenantRecord(row pgx.Row) (TenantRecord, error) {
	var rec TenantRecord
	if err := row.Scan(&rec.TenantID, &rec.Name, &rec.AgencyCode, &rec.ContactEmail, &rec.IsActive, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeactivatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantRecord{}, ErrNotFound
		}
		return TenantRecord{}, err
	}
	return rec, nil
}
