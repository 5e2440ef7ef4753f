// Package db provides database and Redis connectivity.
package db

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nimbus-ide/internal/logging"
	"nimbus-ide/pkg/models"
)

// Database wraps the GORM database instance.
type Database struct {
	DB *gorm.DB
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string

	// SQLitePath, when set, switches to an embedded SQLite database.
	// Used for development and tests.
	SQLitePath string
}

// DefaultConfig returns the development defaults, overridable by env.
func DefaultConfig() *Config {
	cfg := &Config{
		Host:     envOr("DB_HOST", "localhost"),
		Port:     5432,
		User:     envOr("DB_USER", "postgres"),
		Password: envOr("DB_PASSWORD", "postgres"),
		DBName:   envOr("DB_NAME", "nimbus"),
		SSLMode:  envOr("DB_SSLMODE", "disable"),
		TimeZone: "UTC",

		SQLitePath: os.Getenv("SQLITE_PATH"),
	}
	if p := os.Getenv("DB_PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			cfg.Port = n
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// NewDatabase opens the database and migrates the schema.
func NewDatabase(config *Config) (*Database, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var (
		db  *gorm.DB
		err error
	)
	if config.SQLitePath != "" {
		db, err = gorm.Open(sqlite.Open(config.SQLitePath), gormConfig)
	} else {
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			config.Host, config.Port, config.User, config.Password,
			config.DBName, config.SSLMode, config.TimeZone,
		)
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := &Database{DB: db}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.S().Info("database connected")
	return database, nil
}

// Migrate applies the schema.
func (d *Database) Migrate() error {
	err := d.DB.AutoMigrate(
		&models.User{},
		&models.Project{},
		&models.ExecutionRecord{},
		&models.Setting{},
		&models.AuditEvent{},
		&models.AbuseAlert{},
	)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Health checks database connectivity.
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction wraps a function in a database transaction.
func (d *Database) Transaction(fn func(*gorm.DB) error) error {
	return d.DB.Transaction(fn)
}
