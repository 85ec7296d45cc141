// Package main applies the embedded ClickHouse and PostgreSQL migrations and
// seeds the PostgreSQL target registry from the YAML catalog.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"vessel-telemetry/internal/config"
	"vessel-telemetry/internal/domain"
	"vessel-telemetry/internal/storage"
	"vessel-telemetry/internal/storage/migrations"
	pgstore "vessel-telemetry/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load("telemetry-migrate", os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry-migrate: %v\n", err)
		os.Exit(2)
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry-migrate: %v\n", err)
		os.Exit(2)
	}

	if cfg.Storage.ClickHouseDSN == "" && cfg.Storage.PostgresDSN == "" {
		logger.Error("nothing to migrate: set --clickhouse-dsn and/or --postgres-dsn")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if cfg.Storage.ClickHouseDSN != "" {
		if err := migrateClickHouse(ctx, cfg.Storage.ClickHouseDSN); err != nil {
			logger.Error("clickhouse migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("clickhouse migrations applied")
	}

	if cfg.Storage.PostgresDSN != "" {
		inserted, existing, err := migratePostgres(ctx, cfg.Storage.PostgresDSN, cfg.Targets)
		if err != nil {
			logger.Error("postgres migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("postgres migrations applied", "targets_inserted", inserted, "targets_existing", existing)
	}
}

func migrateClickHouse(ctx context.Context, dsn string) error {
	conn, err := migrations.RunClickhouseMigrations(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close()
}

// migratePostgres applies the schema and inserts catalog targets that are not
// registered yet. Existing rows are left untouched.
func migratePostgres(ctx context.Context, dsn string, catalog []domain.Target) (inserted, existing int, err error) {
	pool, err := pgstore.NewPool(ctx, dsn)
	if err != nil {
		return 0, 0, err
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		return 0, 0, err
	}

	store := pgstore.NewTargetStore(pool)
	for i := range catalog {
		t := &catalog[i]
		if err := t.Validate(); err != nil {
			return inserted, existing, err
		}
		err := store.Insert(ctx, t)
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, storage.ErrDuplicateKey):
			existing++
		default:
			return inserted, existing, fmt.Errorf("seed target %s: %w", t.ID, err)
		}
	}
	return inserted, existing, nil
}
