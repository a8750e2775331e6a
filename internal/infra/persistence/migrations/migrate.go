// Package migrations wires golang-migrate execution for the trading
// persistence layer. Migrations are embedded so binaries carry their own
// schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/meridianbank/trading/db/migrations"
	"github.com/meridianbank/trading/internal/observability"
)

var (
	migrationsCounter     metric.Int64Counter
	migrationsCounterOnce sync.Once
)

// Apply brings the Postgres instance reachable via dsn up to the latest
// embedded schema version.
func Apply(ctx context.Context, dsn string) error {
	m, cleanup, err := instance(ctx, dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop")
			observability.Log().Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed")
		return fmt.Errorf("apply migrations: %w", err)
	}

	recordMigrationMetric(ctx, "applied")
	observability.Log().Info("database migrations applied")
	return nil
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, dsn string) error {
	m, cleanup, err := instance(ctx, dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		recordMigrationMetric(ctx, "rollback_failed")
		return fmt.Errorf("rollback migration: %w", err)
	}
	recordMigrationMetric(ctx, "rolled_back")
	observability.Log().Info("database migration rolled back")
	return nil
}

func instance(ctx context.Context, dsn string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise migrate instance: %w", err)
	}

	cleanup := func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Error("migrations source close", observability.F("error", sourceErr.Error()))
		}
		if dbErr != nil {
			observability.Log().Error("migrations db close", observability.F("error", dbErr.Error()))
		}
	}
	return m, cleanup, nil
}

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterOnce.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("trading_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
