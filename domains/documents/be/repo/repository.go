// Package repo stores documents in the caller's tenant database. Every read
// filters soft-deleted rows with an explicit predicate.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenantdb"
)

const (
	documentsTable = "documents"
	profileTable   = "tenant_profile"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrProfileNotFound = errors.New("tenant profile not found")
	ErrNoTenantDB      = errors.New("tenant database not found in context")
)

// live is added to every documents query.
var live = sq.Expr("is_deleted = FALSE")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var documentColumns = []string{"document_id", "title", "content_type", "storage_key", "created_at"}

type Document struct {
	ID          uuid.UUID
	Title       string
	ContentType string
	StorageKey  string
	CreatedAt   time.Time
}

// Profile is the tenant attributes cached in the tenant database.
type Profile struct {
	TenantID     uuid.UUID
	DisplayName  string
	AgencyCode   string
	ContactEmail string
	Active       bool
	RefreshedAt  time.Time
}

type ListOptions struct {
	Limit  uint64
	Offset uint64
}

// DBFunc returns the database of the tenant bound to ctx.
type DBFunc func(ctx context.Context) (persistence.Querier, error)

// FromTenantContext reads the handle leased by the tenant middleware.
func FromTenantContext(ctx context.Context) (persistence.Querier, error) {
	h, ok := tenantdb.FromContext(ctx)
	if !ok {
		return nil, ErrNoTenantDB
	}
	return h.DB(), nil
}

type Repository struct {
	db DBFunc
}

// New returns a repository bound to the request's tenant database. A nil db
// uses FromTenantContext.
func New(db DBFunc) *Repository {
	if db == nil {
		db = FromTenantContext
	}
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context, opts ListOptions) ([]Document, int, error) {
	db, err := r.db(ctx)
	if err != nil {
		return nil, 0, err
	}

	countSQL, countArgs, err := countQuery().ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	query, args, err := listQuery(opts).ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	db, err := r.db(ctx)
	if err != nil {
		return Document{}, err
	}
	query, args, err := getQuery(id).ToSql()
	if err != nil {
		return Document{}, err
	}
	d, err := scanDocument(db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (r *Repository) Create(ctx context.Context, d Document) (Document, error) {
	db, err := r.db(ctx)
	if err != nil {
		return Document{}, err
	}
	query, args, err := psql.Insert(documentsTable).
		Columns(documentColumns...).
		Values(d.ID, d.Title, d.ContentType, d.StorageKey, d.CreatedAt).
		Suffix("RETURNING " + strings.Join(documentColumns, ", ")).
		ToSql()
	if err != nil {
		return Document{}, err
	}
	return scanDocument(db.QueryRow(ctx, query, args...))
}

// SoftDelete flags a live document as deleted. Deleting twice reports ErrNotFound.
func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	query, args, err := softDeleteQuery(id, at).ToSql()
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("soft delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Profile returns the cached tenant profile row.
func (r *Repository) Profile(ctx context.Context) (Profile, error) {
	db, err := r.db(ctx)
	if err != nil {
		return Profile{}, err
	}
	query, args, err := psql.Select("tenant_id", "display_name", "agency_code", "contact_email", "is_active", "refreshed_at").
		From(profileTable).
		Limit(1).
		ToSql()
	if err != nil {
		return Profile{}, err
	}

	var p Profile
	err = db.QueryRow(ctx, query, args...).Scan(&p.TenantID, &p.DisplayName, &p.AgencyCode, &p.ContactEmail, &p.Active, &p.RefreshedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrProfileNotFound
	}
	return p, err
}

func countQuery() sq.SelectBuilder {
	return psql.Select("COUNT(*)").From(documentsTable).Where(live)
}

func listQuery(opts ListOptions) sq.SelectBuilder {
	limit := opts.Limit
	if limit == 0 || limit > 200 {
		limit = 50
	}
	return psql.Select(documentColumns...).
		From(documentsTable).
		Where(live).
		OrderBy("created_at DESC", "document_id").
		Limit(limit).
		Offset(opts.Offset)
}

func getQuery(id uuid.UUID) sq.SelectBuilder {
	return psql.Select(documentColumns...).
		From(documentsTable).
		Where(live).
		Where(sq.Eq{"document_id": id})
}

func softDeleteQuery(id uuid.UUID, at time.Time) sq.UpdateBuilder {
	return psql.Update(documentsTable).
		Set("is_deleted", true).
		Set("deleted_at", at).
		Where(live).
		Where(sq.Eq{"document_id": id})
}

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.Title, &d.ContentType, &d.StorageKey, &d.CreatedAt); err != nil {
		return Document{}, err
	}
	return d, nil
}
