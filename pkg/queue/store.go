package queue

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
)

//go:embed migrations
var migrationsFS embed.FS

// Open opens (or creates) the queue file at path and applies pending schema
// migrations. The parent directory is created with owner-only permissions.
// bus may be nil; without it the queue publishes no progress events.
func Open(path string, bus *events.Bus) (*Queue, error) {
	if path == "" {
		return nil, &ValidationError{Field: "path", Reason: "must not be empty"}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, newStorageError("create queue directory", err)
	}

	// WAL keeps readers unblocked during writes; synchronous=NORMAL is the
	// durability level the WAL mode is designed for.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, newStorageError("open queue file", err)
	}

	// SQLite is single-writer; one connection serialises contending claimers
	// at the pool instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, newStorageError("ping queue file", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return newQueue(db, path, bus), nil
}

// runMigrations applies the embedded schema migrations with golang-migrate.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return newStorageError("create migration driver", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return newStorageError("create migration source", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "queue", driver)
	if err != nil {
		return newStorageError("create migrate instance", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return newStorageError("apply migrations", err)
	}

	// Close only the source driver; closing the migrate instance would also
	// close the database driver and with it the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return newStorageError("close migration source", err)
	}

	return nil
}
