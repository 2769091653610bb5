package db

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrateDirection selects which way Migrate moves the schema.
type MigrateDirection string

const (
	MigrateUp   MigrateDirection = "up"
	MigrateDown MigrateDirection = "down"
)

// Migrate applies the embedded SQL migrations to the database at databaseURL.
// Up applies all pending migrations; Down rolls back exactly one step.
// An already up-to-date schema is not an error.
func Migrate(databaseURL string, dir MigrateDirection, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("closing migrator", "source_error", srcErr, "db_error", dbErr)
		}
	}()

	switch dir {
	case MigrateUp:
		err = m.Up()
	case MigrateDown:
		err = m.Steps(-1)
	default:
		return fmt.Errorf("db: unknown migrate direction %q", dir)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("schema already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("db: migrate %s: %w", dir, err)
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		logger.Info("migration complete", "direction", string(dir), "version", version, "dirty", dirty)
	}
	return nil
}

func newMigrator(databaseURL string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("db: open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, pgx5URL(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("db: init migrator: %w", err)
	}
	return m, nil
}

// pgx5URL rewrites a postgres:// URL to the scheme the pgx/v5 migrate driver
// registers.
func pgx5URL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}
