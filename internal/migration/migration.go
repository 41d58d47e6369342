package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	migrationsDir  = "migrations"
	sourceName     = "iofs"
	databaseName   = "postgres"
	migrationTable = "revoledger_schema_migrations"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// ErrMissingDatabase is returned when no database handle is supplied.
var ErrMissingDatabase = errors.New("migration database handle is required")

// Up applies every pending Postgres migration. An already current schema is not an error.
func Up(db *sql.DB) error {
	migrator, err := newMigrator(db)
	if err != nil {
		return err
	}
	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB.
	return nil
}

// Version reports the applied schema version and whether the last migration left it dirty.
func Version(db *sql.DB) (uint, bool, error) {
	migrator, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}

// Files lists the embedded migration file names in lexical order.
func Files() ([]string, error) {
	return fs.Glob(embeddedMigrations, migrationsDir+"/*.sql")
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationTable})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance(sourceName, source, databaseName, driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}
