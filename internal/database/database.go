// Package database opens the escrow database and brings its schema up to date.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mbd888/marketescrow/internal/escrow"
	"github.com/mbd888/marketescrow/migrations"
)

// ErrNoDatabase is returned by Open when neither a URL nor a path is configured.
var ErrNoDatabase = errors.New("no database configured")

// OpenPostgres opens and pings a PostgreSQL pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// OpenSQLite opens an SQLite database file. A single connection serialises
// writers, so the version check never races with SQLITE_BUSY.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrNoDatabase
	}
	dsn := trimmed
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", trimmed, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", trimmed, err)
	}
	return db, nil
}

// Open picks PostgreSQL when databaseURL is set, SQLite when sqlitePath is
// set, and returns ErrNoDatabase otherwise. The schema is migrated before
// returning.
func Open(ctx context.Context, databaseURL, sqlitePath string) (*sql.DB, escrow.Dialect, error) {
	var (
		db      *sql.DB
		dialect escrow.Dialect
		err     error
	)
	switch {
	case databaseURL != "":
		db, err = OpenPostgres(ctx, databaseURL)
		dialect = escrow.DialectPostgres
	case sqlitePath != "":
		db, err = OpenSQLite(ctx, sqlitePath)
		dialect = escrow.DialectSQLite
	default:
		return nil, "", ErrNoDatabase
	}
	if err != nil {
		return nil, "", err
	}

	if err := Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	return db, dialect, nil
}

// Migrate applies the embedded goose migrations for dialect.
func Migrate(ctx context.Context, db *sql.DB, dialect escrow.Dialect) error {
	return migrations.Up(ctx, db, GooseDialect(dialect))
}

// GooseDialect maps a store dialect to goose's name for it.
func GooseDialect(dialect escrow.Dialect) string {
	if dialect == escrow.DialectSQLite {
		return "sqlite3"
	}
	return "postgres"
}

// MaskDSN hides the password in a connection string for logging.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
