package store

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrator is the subset of *migrate.Migrate used at startup.
type Migrator interface {
	Up() error
	Close() (error, error)
}

// MigrationEngine builds a Migrator for a database URL. Tests swap it for a mock.
type MigrationEngine func(databaseURL string) (Migrator, error)

// EmbeddedEngine migrates using the SQL files compiled into the binary.
func EmbeddedEngine(databaseURL string) (Migrator, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	return migrate.NewWithSourceInstance("iofs", src, pgxMigrateURL(databaseURL))
}

// Migrate applies pending migrations. ErrNoChange is not an error.
func Migrate(databaseURL string, engine MigrationEngine) (err error) {
	m, err := engine(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil && err == nil {
			err = fmt.Errorf("migration source: %w", serr)
		}
		if dberr != nil && err == nil {
			err = fmt.Errorf("migration database: %w", dberr)
		}
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// pgxMigrateURL rewrites postgres:// URLs to the scheme registered by the pgx/v5 driver.
func pgxMigrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(databaseURL, prefix); ok {
			return "pgx5://" + rest
		}
	}
	return databaseURL
}
