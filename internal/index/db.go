// Package index persists the remote catalog and cached directory listings
// in a local sqlite database.
package index

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrNameConflict is returned when a remote name is already taken
	ErrNameConflict = errors.New("name already in use")
)

type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	instance := &DB{db: db}
	if err := instance.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return instance, nil
}

// Ping checks the database is reachable
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	if err := d.dropLegacyEntries(ctx); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, schemaSQL)
	return err
}

// dropLegacyEntries discards listings stored before entries carried a seq
// column. Those were keyed by name, which rejects folders holding two files
// of the same name. Listings are a cache, so they are simply refetched.
func (d *DB) dropLegacyEntries(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, `PRAGMA table_info(entries)`)
	if err != nil {
		return err
	}
	exists, hasSeq := false, false
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			_ = rows.Close()
			return err
		}
		exists = true
		if name == "seq" {
			hasSeq = true
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if !exists || hasSeq {
		return nil
	}
	_, err = d.db.ExecContext(ctx, `DROP TABLE entries; DELETE FROM listings;`)
	return err
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS remotes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	provider TEXT NOT NULL,
	auth_state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_scanned_at INTEGER,
	removing INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS listings (
	remote_id TEXT NOT NULL,
	path TEXT NOT NULL,
	cached_at INTEGER NOT NULL,
	PRIMARY KEY (remote_id, path)
);

CREATE TABLE IF NOT EXISTS entries (
	remote_id TEXT NOT NULL,
	path TEXT NOT NULL,
	seq INTEGER NOT NULL,
	name TEXT NOT NULL,
	is_dir INTEGER NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0,
	modified_at INTEGER,
	PRIMARY KEY (remote_id, path, seq)
);

CREATE INDEX IF NOT EXISTS idx_entries_remote ON entries(remote_id);
`

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
