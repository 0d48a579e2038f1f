package storage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations aplica las migraciones up pendientes de migrationURL
// (p. ej. "file://migrations") a la base Postgres en dsn.
func RunMigrations(migrationURL, dsn string) error {
	m, err := migrate.New(migrationURL, dsn)
	if err != nil {
		return fmt.Errorf("storage.RunMigrations: new instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage.RunMigrations: up: %w", err)
	}
	version, dirty, _ := m.Version()
	slog.Info("database migrated", "version", version, "dirty", dirty)
	return nil
}
