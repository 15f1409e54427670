package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

const recordColumns = `service, tenant_id, database_name, state, migration_version, attempts, last_error,
    COALESCE(display_name, ''), COALESCE(agency_code, ''), COALESCE(contact_email, ''), is_active, profile_at,
    created_at, updated_at, retired_at`

// PostgresRecordStore stores records in the service's control database.
type PostgresRecordStore struct {
	db persistence.Querier
}

func NewPostgresRecordStore(db persistence.Querier) *PostgresRecordStore {
	if db == nil {
		panic("provisioning: record store db is required")
	}
	return &PostgresRecordStore{db: db}
}

func (s *PostgresRecordStore) Get(ctx context.Context, service string, tenantID uuid.UUID) (Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM provisioning_records WHERE service = $1 AND tenant_id = $2`, service, tenantID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get provisioning record: %w", err)
	}
	return rec, nil
}

func (s *PostgresRecordStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO provisioning_records (
            service, tenant_id, database_name, state, migration_version, attempts, last_error,
            display_name, agency_code, contact_email, is_active, profile_at, created_at, updated_at, retired_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT (service, tenant_id) DO UPDATE SET
            database_name = EXCLUDED.database_name,
            state = EXCLUDED.state,
            migration_version = EXCLUDED.migration_version,
            attempts = EXCLUDED.attempts,
            last_error = EXCLUDED.last_error,
            display_name = EXCLUDED.display_name,
            agency_code = EXCLUDED.agency_code,
            contact_email = EXCLUDED.contact_email,
            is_active = EXCLUDED.is_active,
            profile_at = EXCLUDED.profile_at,
            updated_at = EXCLUDED.updated_at,
            retired_at = EXCLUDED.retired_at`,
		rec.Service, rec.TenantID, rec.DatabaseName, string(rec.State), rec.MigrationVersion, rec.Attempts, rec.LastError,
		rec.DisplayName, rec.AgencyCode, rec.ContactEmail, rec.Active, rec.ProfileAt, rec.CreatedAt, rec.UpdatedAt, rec.RetiredAt,
	)
	if err != nil {
		return fmt.Errorf("save provisioning record: %w", err)
	}
	return nil
}

// List returns the service's records, optionally filtered by state.
func (s *PostgresRecordStore) List(ctx context.Context, service string, state *State) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM provisioning_records WHERE service = $1`
	args := []any{service}
	if state != nil {
		query += ` AND state = $2`
		args = append(args, string(*state))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list provisioning records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provisioning record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var state string
	err := row.Scan(&rec.Service, &rec.TenantID, &rec.DatabaseName, &state, &rec.MigrationVersion, &rec.Attempts, &rec.LastError,
		&rec.DisplayName, &rec.AgencyCode, &rec.ContactEmail, &rec.Active, &rec.ProfileAt,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.RetiredAt)
	if err != nil {
		return Record{}, err
	}
	rec.State = State(state)
	return rec, nil
}
