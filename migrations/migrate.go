// Package migrations embeds and applies the SQLite schema.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed *.sql
var files embed.FS

// Run applies all pending migrations to the database.
func Run(db *sql.DB, logger zerolog.Logger) error {
	source, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite3 migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("initialize migrations: %w", err)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info().Msg("database schema is up to date")
	case err != nil:
		return fmt.Errorf("apply migrations: %w", err)
	default:
		logger.Info().Msg("database migrations applied")
	}
	return nil
}
