// Package db implements the relational backing store for the groupware
// object cache: folder metadata (including the cooperative sync lock),
// per-type object cache tables in two keying variants, and the pseudo-SQL
// filter compiler used by the query layer.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DBDateFormat is the layout used for DATETIME columns. The textual format
// sorts lexicographically, which the range columns rely on.
const DBDateFormat = "2006-01-02 15:04:05"

// cacheTypes enumerates the object types that get their own cache tables.
var cacheTypes = []string{"event", "task", "contact"}

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Connection pool limits to prevent file descriptor exhaustion
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// CacheTable returns the cache table name for an object type. Groups share
// the contact table (they live in the same addressbook and differ only in
// the type column).
func CacheTable(typ string, dav bool) string {
	if typ == "group" {
		typ = "contact"
	}
	if dav {
		return "kolab_cache_dav_" + typ
	}
	return "kolab_cache_" + typ
}

// extraColumnDefs returns the type-specific column definitions of a cache
// table: date range columns for calendar types, sort columns for contacts.
func extraColumnDefs(typ string) string {
	switch typ {
	case "contact":
		return `type TEXT NOT NULL DEFAULT 'contact',
			name TEXT,
			firstname TEXT,
			surname TEXT,
			email TEXT`
	default:
		return `dtstart DATETIME,
			dtend DATETIME`
	}
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Folder metadata: one row per synchronized folder and type. The
		// synclock column doubles as locked-flag and acquisition timestamp.
		`CREATE TABLE IF NOT EXISTS kolab_folders (
			folder_id INTEGER PRIMARY KEY AUTOINCREMENT,
			resource TEXT NOT NULL,
			type TEXT NOT NULL,
			synclock INTEGER NOT NULL DEFAULT 0,
			ctag TEXT NOT NULL DEFAULT '',
			synctoken TEXT NOT NULL DEFAULT '',
			changed DATETIME,
			UNIQUE(resource, type)
		)`,

		// Log of completed/aborted sync passes
		`CREATE TABLE IF NOT EXISTS kolab_sync_logs (
			id TEXT PRIMARY KEY,
			folder_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			objects_added INTEGER NOT NULL DEFAULT 0,
			objects_deleted INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_folder_id ON kolab_sync_logs(folder_id)`,
	}

	for _, typ := range cacheTypes {
		extras := extraColumnDefs(typ)

		// Message-indexed variant: rows keyed by the remote message UID.
		table := CacheTable(typ, false)
		migrations = append(migrations,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				folder_id INTEGER NOT NULL,
				msguid INTEGER NOT NULL,
				uid TEXT NOT NULL,
				created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				changed DATETIME,
				data TEXT NOT NULL DEFAULT '{}',
				tags TEXT NOT NULL DEFAULT '',
				words TEXT NOT NULL DEFAULT '',
				%s,
				PRIMARY KEY (folder_id, msguid)
			)`, table, extras),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_uid ON %s(folder_id, uid)`, table, table),
		)

		// ETag-indexed variant: rows keyed by the logical object UID.
		table = CacheTable(typ, true)
		migrations = append(migrations,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				folder_id INTEGER NOT NULL,
				uid TEXT NOT NULL,
				etag TEXT NOT NULL DEFAULT '',
				created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				changed DATETIME,
				data TEXT NOT NULL DEFAULT '{}',
				tags TEXT NOT NULL DEFAULT '',
				words TEXT NOT NULL DEFAULT '',
				%s,
				PRIMARY KEY (folder_id, uid)
			)`, table, extras),
		)

		if typ != "contact" {
			for _, t := range []string{CacheTable(typ, false), CacheTable(typ, true)} {
				migrations = append(migrations,
					fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_dtrange ON %s(folder_id, dtstart, dtend)`, t, t))
			}
		}
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}
