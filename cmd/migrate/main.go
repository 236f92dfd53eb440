package main

import (
	"SwapGate/internal/observability"
	"SwapGate/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they are applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  SWAPGATE_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  SWAPGATE_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	pgURL := os.Getenv("SWAPGATE_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/swapgate?sslmode=disable"
	}

	migrationsDir := os.Getenv("SWAPGATE_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, migrationsDir, observability.NewLogger("migrate"))

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Printf("INFO: %d migration(s) applied", n)

	case "down":
		rolledBack, err := migrator.Down(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		if rolledBack {
			log.Println("INFO: last migration rolled back")
		} else {
			log.Println("INFO: nothing to roll back")
		}

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate status: %v", err)
		}
		for _, s := range statuses {
			mark := "pending"
			if s.Applied {
				mark = "applied"
			}
			fmt.Printf("%s  %-8s %s\n", s.Version, mark, s.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
