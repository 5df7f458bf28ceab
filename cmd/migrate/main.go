// Command migrate runs database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// DATABASE_URL selects PostgreSQL; otherwise SQLITE_PATH selects SQLite.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/marketescrow/internal/database"
	"github.com/mbd888/marketescrow/internal/escrow"
	"github.com/mbd888/marketescrow/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	_ = godotenv.Load()
	ctx := context.Background()

	var (
		db      *sql.DB
		dialect escrow.Dialect
		err     error
	)
	switch {
	case os.Getenv("DATABASE_URL") != "":
		db, err = database.OpenPostgres(ctx, os.Getenv("DATABASE_URL"))
		dialect = escrow.DialectPostgres
	case os.Getenv("SQLITE_PATH") != "":
		db, err = database.OpenSQLite(ctx, os.Getenv("SQLITE_PATH"))
		dialect = escrow.DialectSQLite
	default:
		log.Fatal("DATABASE_URL or SQLITE_PATH environment variable is required")
	}
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(database.GooseDialect(dialect)); err != nil {
		log.Fatalf("Unsupported dialect: %v", err)
	}

	command := os.Args[1]
	args := os.Args[2:]

	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}
