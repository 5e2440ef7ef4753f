package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// MigrationConfig configures the versioned migration runner. GORM
// AutoMigrate keeps development schemas current; production deployments
// run the SQL migrations under migrations/ instead.
type MigrationConfig struct {
	DatabaseURL    string
	DatabaseType   string // "postgres" or "sqlite"
	MigrationsPath string
}

// MigrationStatus is the current migration state.
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
	Applied bool `json:"applied"`
}

// MigrationRunner applies versioned SQL migrations.
type MigrationRunner struct {
	migrate *migrate.Migrate
	db      *sql.DB
}

// NewMigrationRunner opens the database and prepares the migration source.
func NewMigrationRunner(config *MigrationConfig) (*MigrationRunner, error) {
	if config == nil {
		return nil, errors.New("migration config is required")
	}

	migrationsPath := config.MigrationsPath
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}
	if !filepath.IsAbs(migrationsPath) {
		abs, err := filepath.Abs(migrationsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
		}
		migrationsPath = abs
	}
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	var (
		conn     *sql.DB
		driver   database.Driver
		dbDriver string
		err      error
	)
	switch config.DatabaseType {
	case "postgres", "postgresql":
		conn, err = sql.Open("postgres", config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres connection: %w", err)
		}
		driver, err = postgres.WithInstance(conn, &postgres.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres driver: %w", err)
		}
		dbDriver = "postgres"

	case "sqlite", "sqlite3":
		conn, err = sql.Open("sqlite", config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
		}
		driver, err = sqlite3.WithInstance(conn, &sqlite3.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
		}
		dbDriver = "sqlite3"

	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DatabaseType)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath), dbDriver, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return &MigrationRunner{migrate: m, db: conn}, nil
}

// Up applies all pending migrations.
func (r *MigrationRunner) Up() error {
	if err := r.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Down rolls back the last migration.
func (r *MigrationRunner) Down() error {
	if err := r.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

// To migrates to a specific version, up or down.
func (r *MigrationRunner) To(version uint) error {
	if err := r.migrate.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	return nil
}

// Force sets the recorded version without running migrations. Used to
// recover from a dirty state.
func (r *MigrationRunner) Force(version int) error {
	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	return nil
}

// Version reports the current migration state.
func (r *MigrationRunner) Version() (MigrationStatus, error) {
	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return MigrationStatus{}, nil
		}
		return MigrationStatus{}, err
	}
	return MigrationStatus{Version: version, Dirty: dirty, Applied: version > 0}, nil
}

// Close releases the migration source and database connection.
func (r *MigrationRunner) Close() error {
	if r.migrate == nil {
		return nil
	}
	srcErr, dbErr := r.migrate.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}
