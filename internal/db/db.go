// Package db owns the relay's SQLite handle: open, pragmas, schema
// migrations and admin/debug routes. Every durable structure (delivery
// queue, audit log, review holds) lives in this one database so status
// transitions and their audit rows can share a transaction.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the shared SQLite connection.
type DB struct {
	*sql.DB

	path string
}

// Open opens (or creates) the relay database and applies the pragmas the
// queue depends on: WAL for concurrent readers during sync batches, a busy
// timeout so ingestion and sync don't fail on transient lock contention, and
// synchronous=FULL because a successful enqueue must survive power loss.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := sqldb.Exec(p); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	return &DB{DB: sqldb, path: path}, nil
}

// Path returns the filesystem path this database was opened from.
func (db *DB) Path() string { return db.path }
