package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Napageneral/commsledger/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// ErrSchemaMissing is returned when the projection tables are absent.
var ErrSchemaMissing = errors.New("database schema missing (run init)")

const fileName = "commsledger.db"

// Driver names accepted by OpenPath. "sqlite" is modernc.org/sqlite (pure Go),
// "sqlite3" is mattn/go-sqlite3 (cgo).
const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)

// Init initializes the database and creates tables if needed
func Init(driver string) error {
	path, err := GetPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := OpenPath(driver, path)
	if err != nil {
		return err
	}
	defer db.Close()

	return InitDB(db)
}

// InitDB applies the embedded schema to an open database.
func InitDB(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Open opens a connection to the database in the data directory
func Open(driver string) (*sql.DB, error) {
	path, err := GetPath()
	if err != nil {
		return nil, err
	}
	return OpenPath(driver, path)
}

// OpenPath opens a database file with the configured pragmas.
func OpenPath(driver string, path string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// dsn carries the pragmas in the connection string so every pooled
// connection gets them, not just the first one.
// WAL allows concurrent readers while a writer is active.
// busy_timeout reduces SQLITE_BUSY errors under contention.
// Immediate transactions take the write lock at BEGIN so the identity
// resolver never reads an alias another writer is about to change.
func dsn(driver string, path string) string {
	if driver == DriverMattn {
		return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1&_txlock=immediate"
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// GetPath returns the path to the database file
func GetPath() (string, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, fileName), nil
}

// CheckSchema verifies that the projection tables exist.
func CheckSchema(ctx context.Context, db *sql.DB) error {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('identities', 'identity_aliases', 'contacts', 'conversations', 'messages', 'conversation_participants', 'calendar_events', 'message_tags')
	`).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if n != 8 {
		return ErrSchemaMissing
	}
	return nil
}
