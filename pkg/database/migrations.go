package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

// MigrationsTable records the applied version of the metadata store schema.
// It is kept apart from the default table so the store can share a database.
const MigrationsTable = "crossquery_schema_migrations"

// ErrDirtyMigration is returned when a previous migration failed halfway and
// the store needs manual repair before the server can start.
var ErrDirtyMigration = errors.New("metadata store migration is dirty")

// RunMigrations applies pending migrations from migrationsPath. Calling it on
// an up-to-date store is a no-op.
func RunMigrations(db *sql.DB, migrationsPath string, logger *zap.Logger) error {
	logger = logger.Named("migrations")

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to load migrations from %s: %w", migrationsPath, err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("Failed to close migrator", zap.NamedError("source_error", srcErr), zap.NamedError("db_error", dbErr))
		}
	}()

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return fmt.Errorf("failed to read migration version: %w", err)
	case dirty:
		return fmt.Errorf("%w at version %d", ErrDirtyMigration, from)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("Metadata store schema is up to date", zap.Uint("version", from))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	to, _, _ := m.Version()
	logger.Info("Applied metadata store migrations",
		zap.Uint("from_version", from),
		zap.Uint("to_version", to))
	return nil
}
