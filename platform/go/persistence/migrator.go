package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const migrationsTable = "schema_migrations"

// migrationLockKey serializes concurrent migrators against the same database.
const migrationLockKey int64 = 0x6d696772

// Migration is a single numbered SQL script, e.g. "0002_documents.sql".
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationDB is what the migrator needs from a pool or connection.
type MigrationDB interface {
	TxBeginner
	Querier
}

// MigrationResult summarises an Up run.
type MigrationResult struct {
	From    int
	To      int
	Applied int
}

// Migrator applies numbered migrations from an embedded FS. Each script runs in its
// own transaction together with the version bookkeeping, so a failed or cancelled
// run never leaves a half-applied migration behind.
type Migrator struct {
	migrations []Migration
	log        *zap.Logger
}

// NewMigrator reads and orders the *.sql files found at the root of source.
func NewMigrator(source fs.FS, log *zap.Logger) (*Migrator, error) {
	if source == nil {
		return nil, errors.New("migration source is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	entries, err := fs.ReadDir(source, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	migrations := make([]Migration, 0, len(entries))
	seen := make(map[int]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		v, err := scriptVersion(e.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("duplicate migration version %d (%s, %s)", v, prev, e.Name())
		}
		seen[v] = e.Name()

		body, err := fs.ReadFile(source, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		migrations = append(migrations, Migration{Version: v, Name: e.Name(), SQL: string(body)})
	}

	// sort according to the version number so migrations are applied in order
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	return &Migrator{migrations: migrations, log: log}, nil
}

// Latest returns the highest known migration version (0 when there are none).
func (m *Migrator) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Current returns the version recorded in the target database.
func (m *Migrator) Current(ctx context.Context, db Querier) (int, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, err
	}
	return currentVersion(ctx, db)
}

// Pending lists migrations newer than the database's current version.
func (m *Migrator) Pending(ctx context.Context, db Querier) ([]Migration, error) {
	current, err := m.Current(ctx, db)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, mig := range m.migrations {
		if mig.Version > current {
			out = append(out, mig)
		}
	}
	return out, nil
}

// Up applies every outstanding migration. Running it against an up-to-date database is a no-op.
func (m *Migrator) Up(ctx context.Context, db MigrationDB) (MigrationResult, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return MigrationResult{}, err
	}

	from, err := currentVersion(ctx, db)
	if err != nil {
		return MigrationResult{}, err
	}
	res := MigrationResult{From: from, To: from}

	// log this message only if there are migrations to run
	if final := m.Latest(); final > from {
		m.log.Info("bringing up tenant migrations", zap.Int("from", from), zap.Int("to", final))
	}

	for _, mig := range m.migrations {
		if mig.Version <= res.To {
			continue
		}
		applied, err := m.apply(ctx, db, mig)
		if err != nil {
			return res, err
		}
		res.To = mig.Version
		if applied {
			res.Applied++
		}
	}
	return res, nil
}

func (m *Migrator) apply(ctx context.Context, db MigrationDB, mig Migration) (bool, error) {
	applied := false
	err := WithTx(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}

		// re-read under the lock so a concurrent migrator does not apply the same script twice
		current, err := currentVersion(ctx, tx)
		if err != nil {
			return err
		}
		if mig.Version <= current {
			return nil
		}

		m.log.Debug("executing tenant migration", zap.String("migration_name", mig.Name))
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.Name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO "+migrationsTable+" (version, name) VALUES ($1, $2)", mig.Version, mig.Name); err != nil {
			return fmt.Errorf("record migration %s: %w", mig.Name, err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func ensureMigrationsTable(ctx context.Context, db Querier) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}
	return nil
}

func currentVersion(ctx context.Context, db Querier) (int, error) {
	var v int
	if err := db.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM "+migrationsTable).Scan(&v); err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return v, nil
}

// extract the version number as an integer from a file named like "0002_migration_name.sql"
func scriptVersion(filename string) (int, error) {
	vString := strings.SplitN(filename, "_", 2)[0]
	v, err := strconv.Atoi(vString)
	if err != nil {
		return 0, fmt.Errorf("migration %q: version prefix: %w", filename, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("migration %q: version must be positive", filename)
	}
	return v, nil
}
