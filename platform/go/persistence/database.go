package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool / pgx.Tx used by stores and admin helpers.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DatabaseExists checks pg_database for name.
func DatabaseExists(ctx context.Context, admin Querier, name string) (bool, error) {
	var exists bool
	if err := admin.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check database existence: %w", err)
	}
	return exists, nil
}

// EnsureDatabase creates the database when missing. It reports whether it created it.
// CREATE DATABASE cannot run inside a transaction block, so the statement is issued on
// the admin connection directly; a concurrent creator racing us yields duplicate_database,
// which is treated as success.
func EnsureDatabase(ctx context.Context, admin Querier, name string) (bool, error) {
	if name == "" {
		return false, errors.New("database name is required")
	}

	exists, err := DatabaseExists(ctx, admin, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeDuplicateDatabase {
			return false, nil
		}
		return false, fmt.Errorf("create database %s: %w", name, err)
	}
	return true, nil
}
