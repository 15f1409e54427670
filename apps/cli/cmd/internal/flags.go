// Package internal holds helpers shared by CLI subcommands.
package internal

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	platformlogging "github.com/zenGate-Global/licensing-saas/platform/go/logging"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
)

// DatabaseURLFlag registers --database-url, defaulting to $envKey.
func DatabaseURLFlag(cmd *cobra.Command, target *string, envKey, usage string) {
	cmd.Flags().StringVar(target, "database-url", os.Getenv(envKey), usage+" (env "+envKey+")")
}

// OpenPool opens a pool for a one-shot command.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("--database-url is required")
	}
	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:      databaseURL,
		MaxConns:        4,
		ApplicationName: "licensing-cli",
	})
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}
	return pool, nil
}

// Logger builds a CLI logger honoring $LOG_LEVEL.
func Logger() *zap.Logger {
	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "licensing-cli",
		Level:     os.Getenv("LOG_LEVEL"),
		Console:   true,
		Output:    os.Stderr,
	})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// EnvDefault returns v, or $envKey when v is empty.
func EnvDefault(v, envKey string) string {
	if v != "" {
		return v
	}
	return os.Getenv(envKey)
}
