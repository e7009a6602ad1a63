package index

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/types"
)

// ReplaceListing stores the complete content of one directory, dropping
// whatever was cached for it before. Readers never observe a partial listing.
func (d *DB) ReplaceListing(ctx context.Context, remoteID, path string, entries []types.DirectoryEntry, cachedAt time.Time) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE remote_id = ? AND path = ?`, remoteID, path); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO listings (remote_id, path, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(remote_id, path) DO UPDATE SET cached_at = excluded.cached_at
	`, remoteID, path, toUnix(cachedAt))
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (remote_id, path, seq, name, is_dir, size, modified_at) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	// seq keys the rows: a Drive folder may hold several files with one name
	for i, e := range entries {
		if _, err = stmt.ExecContext(ctx, remoteID, path, i, e.Name, boolToInt(e.IsDirectory), e.SizeBytes, toUnix(e.ModifiedAt)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetListing returns the cached listing of a directory, or ErrNotFound.
// Entries come back in the order they were stored; callers sort for display.
func (d *DB) GetListing(ctx context.Context, remoteID, path string) (listing *types.Listing, err error) {
	var cachedAt int64
	err = d.db.QueryRowContext(ctx, `SELECT cached_at FROM listings WHERE remote_id = ? AND path = ?`, remoteID, path).Scan(&cachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	listing = &types.Listing{
		RemoteID: remoteID,
		Path:     path,
		CachedAt: fromUnix(cachedAt),
		Entries:  []types.DirectoryEntry{},
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT name, is_dir, size, modified_at FROM entries WHERE remote_id = ? AND path = ? ORDER BY seq
	`, remoteID, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		var e types.DirectoryEntry
		var isDir int
		var modified sql.NullInt64
		if err := rows.Scan(&e.Name, &isDir, &e.SizeBytes, &modified); err != nil {
			return nil, err
		}
		e.RemoteID = remoteID
		e.Path = JoinPath(path, e.Name)
		e.IsDirectory = isDir != 0
		if modified.Valid {
			e.ModifiedAt = fromUnix(modified.Int64)
		}
		e.CachedAt = listing.CachedAt
		listing.Entries = append(listing.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return listing, nil
}

// JoinPath joins a directory path and a child name with forward slashes
func JoinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// DeleteListings drops every cached listing of a remote
func (d *DB) DeleteListings(ctx context.Context, remoteID string) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE remote_id = ?`, remoteID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM listings WHERE remote_id = ?`, remoteID); err != nil {
		return err
	}
	return tx.Commit()
}

// CountListings returns how many directories are cached for a remote
func (d *DB) CountListings(ctx context.Context, remoteID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings WHERE remote_id = ?`, remoteID).Scan(&n)
	return n, err
}
