package provisioning

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenant"
)

// ServiceSpec describes what a dependent service keeps per tenant.
type ServiceSpec struct {
	Name           string
	DatabasePrefix string
	Migrations     fs.FS
	// CachesProfile is set when the service keeps a tenant_profile row in each
	// tenant database.
	CachesProfile bool
	// RetireStatements soft-delete tenant-owned rows. They run in one
	// transaction and must be idempotent.
	RetireStatements []string
}

// Provisioner performs the physical work for one service. Every method is
// idempotent.
type Provisioner interface {
	EnsureDatabase(ctx context.Context, tenantID uuid.UUID) error
	// Migrate applies outstanding migrations and returns the resulting version.
	Migrate(ctx context.Context, tenantID uuid.UUID) (int, error)
	RefreshProfile(ctx context.Context, rec Record) error
	// Retire soft-deletes tenant-owned rows. A database that was never created
	// has nothing to retire.
	Retire(ctx context.Context, tenantID uuid.UUID) error
}

// DBProvisioner provisions one database per tenant on a Postgres server.
type DBProvisioner struct {
	admin    persistence.Querier
	template string
	spec     ServiceSpec
	migrator *persistence.Migrator
	log      *zap.Logger
}

// NewDBProvisioner wires a provisioner. admin must be connected to a
// maintenance database with CREATEDB rights; template is the tenant DSN
// template understood by tenant.ConnString.
func NewDBProvisioner(admin persistence.Querier, template string, spec ServiceSpec, log *zap.Logger) (*DBProvisioner, error) {
	if admin == nil {
		panic("db provisioner requires admin connection")
	}
	if log == nil {
		log = zap.NewNop()
	}

	template = strings.TrimSpace(template)
	if template == "" {
		return nil, errors.New("tenant dsn template is required")
	}
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("service name is required")
	}
	if _, err := tenant.DatabaseName(spec.DatabasePrefix, uuid.New()); err != nil {
		return nil, err
	}

	migrator, err := persistence.NewMigrator(spec.Migrations, log.With(zap.String("service", spec.Name)))
	if err != nil {
		return nil, fmt.Errorf("%s migrations: %w", spec.Name, err)
	}

	return &DBProvisioner{
		admin:    admin,
		template: template,
		spec:     spec,
		migrator: migrator,
		log:      log,
	}, nil
}

func (p *DBProvisioner) EnsureDatabase(ctx context.Context, tenantID uuid.UUID) error {
	name, err := tenant.DatabaseName(p.spec.DatabasePrefix, tenantID)
	if err != nil {
		return err
	}

	created, err := persistence.EnsureDatabase(ctx, p.admin, name)
	if err != nil {
		return err
	}
	if created {
		p.log.Info("tenant database created",
			zap.String("service", p.spec.Name),
			zap.String("tenant_id", tenantID.String()),
			zap.String("database", name),
		)
	}
	return nil
}

func (p *DBProvisioner) Migrate(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var version int
	err := p.withTenantConn(ctx, tenantID, func(conn *pgx.Conn) error {
		res, err := p.migrator.Up(ctx, conn)
		if err != nil {
			return err
		}
		version = res.To
		return nil
	})
	return version, err
}

func (p *DBProvisioner) RefreshProfile(ctx context.Context, rec Record) error {
	if !p.spec.CachesProfile {
		return nil
	}

	refreshedAt := time.Now().UTC()
	if rec.ProfileAt != nil {
		refreshedAt = *rec.ProfileAt
	}

	return p.withTenantConn(ctx, rec.TenantID, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
            INSERT INTO tenant_profile (tenant_id, display_name, agency_code, contact_email, is_active, refreshed_at)
            VALUES ($1, $2, $3, $4, $5, $6)
            ON CONFLICT (tenant_id) DO UPDATE SET
                display_name = EXCLUDED.display_name,
                agency_code = EXCLUDED.agency_code,
                contact_email = EXCLUDED.contact_email,
                is_active = EXCLUDED.is_active,
                refreshed_at = EXCLUDED.refreshed_at
            WHERE tenant_profile.refreshed_at <= EXCLUDED.refreshed_at`,
			rec.TenantID, rec.DisplayName, rec.AgencyCode, rec.ContactEmail, rec.Active, refreshedAt,
		)
		if err != nil {
			return fmt.Errorf("refresh tenant profile: %w", err)
		}
		return nil
	})
}

func (p *DBProvisioner) Retire(ctx context.Context, tenantID uuid.UUID) error {
	if len(p.spec.RetireStatements) == 0 {
		return nil
	}

	err := p.withTenantConn(ctx, tenantID, func(conn *pgx.Conn) error {
		return persistence.WithTx(ctx, conn, func(tx pgx.Tx) error {
			for _, stmt := range p.spec.RetireStatements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("retire statement: %w", err)
				}
			}
			return nil
		})
	})
	if persistence.IsUnknownDatabase(err) {
		p.log.Info("tenant database never created; nothing to retire",
			zap.String("service", p.spec.Name),
			zap.String("tenant_id", tenantID.String()),
		)
		return nil
	}
	return err
}

func (p *DBProvisioner) withTenantConn(ctx context.Context, tenantID uuid.UUID, fn func(conn *pgx.Conn) error) error {
	dsn, err := tenant.ConnString(p.template, p.spec.DatabasePrefix, tenantID)
	if err != nil {
		return err
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect tenant database: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx)) // nolint:errcheck

	return fn(conn)
}

var _ Provisioner = (*DBProvisioner)(nil)
