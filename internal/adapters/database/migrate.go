package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// newMigrator builds a migrate instance over the embedded scripts for the
// connection's dialect.
func (db *DB) newMigrator() (*migrate.Migrate, error) {
	var (
		driver migratedb.Driver
		err    error
	)

	switch db.driver {
	case DriverPostgres:
		driver, err = postgres.WithInstance(db.Conn(), &postgres.Config{})
	case DriverSQLite:
		driver, err = sqlite.WithInstance(db.Conn(), &sqlite.Config{})
	default:
		return nil, fmt.Errorf("no migrations for driver %q", db.driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s migration driver: %w", db.driver, err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+db.driver)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, db.driver, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// RunMigrations executes all pending database migrations
func (db *DB) RunMigrations() error {
	logger.Info("running database migrations", zap.String("driver", db.driver))

	m, err := db.newMigrator()
	if err != nil {
		return err
	}

	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	if dirty {
		logger.Warn("database is in dirty state, attempting to force version",
			zap.Uint("version", currentVersion),
		)
		if err := m.Force(int(currentVersion)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no new migrations to apply", zap.Uint("version", currentVersion))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get new migration version: %w", err)
	}

	logger.Info("migrations completed successfully",
		zap.Uint("old_version", currentVersion),
		zap.Uint("new_version", newVersion),
	)

	return nil
}

// RollbackMigration rolls back the last applied migration
func (db *DB) RollbackMigration() error {
	m, err := db.newMigrator()
	if err != nil {
		return err
	}

	currentVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	if err := m.Steps(-1); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	logger.Info("migration rolled back successfully", zap.Uint("from_version", currentVersion))
	return nil
}

// MigrationVersion returns current migration version
func (db *DB) MigrationVersion() (uint, bool, error) {
	m, err := db.newMigrator()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}

	return version, dirty, nil
}
