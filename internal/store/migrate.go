package store

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/base/*.sql
var migrationsFS embed.FS

// Migrate bootstraps the base schema. It is idempotent; schema evolutions
// that postdate the base schema are applied separately by Upgrade.
func (s *Store) Migrate() error {
	sub, err := fs.Sub(migrationsFS, "migrations/base")
	if err != nil {
		return fmt.Errorf("store: migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("store: migrations: %w", err)
	}

	var drv database.Driver
	var name string
	switch s.d {
	case dialectPostgres:
		name = "postgres"
		drv, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	default:
		name = "sqlite"
		drv, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("store: migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, name, drv)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}
