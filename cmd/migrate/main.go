// Command migrate manages versioned database migrations.
//
// Usage:
//
//	go run cmd/migrate/main.go up        # Apply all pending migrations
//	go run cmd/migrate/main.go down      # Rollback last migration
//	go run cmd/migrate/main.go version   # Show current migration version
//	go run cmd/migrate/main.go to N      # Migrate to version N
//	go run cmd/migrate/main.go force N   # Force version to N (fix dirty state)
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"nimbus-ide/internal/db"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	config := &db.MigrationConfig{
		DatabaseURL:    databaseURL(),
		DatabaseType:   databaseType(),
		MigrationsPath: os.Getenv("MIGRATIONS_PATH"),
	}

	runner, err := db.NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("migration setup failed: %v", err)
	}
	defer runner.Close()

	switch os.Args[1] {
	case "up":
		err = runner.Up()
	case "down":
		err = runner.Down()
	case "version":
		var status db.MigrationStatus
		status, err = runner.Version()
		if err == nil {
			fmt.Printf("version=%d dirty=%v applied=%v\n", status.Version, status.Dirty, status.Applied)
		}
	case "to":
		err = runner.To(uint(argInt(2)))
	case "force":
		err = runner.Force(argInt(2))
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("migrate %s failed: %v", os.Args[1], err)
	}
	log.Printf("migrate %s completed", os.Args[1])
}

func argInt(i int) int {
	if len(os.Args) <= i {
		printUsage()
		os.Exit(1)
	}
	n, err := strconv.Atoi(os.Args[i])
	if err != nil {
		log.Fatalf("invalid version %q", os.Args[i])
	}
	return n
}

func databaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		return path
	}
	host := envOr("DB_HOST", "localhost")
	port := envOr("DB_PORT", "5432")
	user := envOr("DB_USER", "postgres")
	password := envOr("DB_PASSWORD", "postgres")
	name := envOr("DB_NAME", "nimbus")
	sslmode := envOr("DB_SSLMODE", "disable")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, name, sslmode)
}

func databaseType() string {
	if os.Getenv("SQLITE_PATH") != "" && os.Getenv("DATABASE_URL") == "" {
		return "sqlite"
	}
	return "postgres"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printUsage() {
	fmt.Println(`usage: migrate <command>

commands:
  up         apply all pending migrations
  down       rollback the last migration
  version    show current migration version
  to N       migrate to version N
  force N    force version to N without running migrations`)
}
