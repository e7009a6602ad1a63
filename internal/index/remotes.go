package index

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dl-alexandre/cloudstream/internal/types"
)

const remoteColumns = `id, name, provider, auth_state, created_at, last_scanned_at, removing`

// InsertRemote adds a remote. It returns ErrNameConflict without writing
// anything when the name is taken.
func (d *DB) InsertRemote(ctx context.Context, r types.RemoteConnection) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM remotes WHERE name = ? LIMIT 1`, r.Name).Scan(&one)
	switch {
	case err == nil:
		return ErrNameConflict
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	var scanned sql.NullInt64
	if r.LastScannedAt != nil {
		scanned = sql.NullInt64{Int64: toUnix(*r.LastScannedAt), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO remotes (`+remoteColumns+`) VALUES (?, ?, ?, ?, ?, ?, 0)
	`, r.ID, r.Name, r.Provider, string(r.AuthState), toUnix(r.CreatedAt), scanned)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) GetRemote(ctx context.Context, id string) (*RemoteRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+remoteColumns+` FROM remotes WHERE id = ?`, id)
	return scanRemote(row)
}

func (d *DB) GetRemoteByName(ctx context.Context, name string) (*RemoteRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+remoteColumns+` FROM remotes WHERE name = ?`, name)
	return scanRemote(row)
}

// ListRemotes returns all remotes ordered by name
func (d *DB) ListRemotes(ctx context.Context) (records []RemoteRecord, err error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+remoteColumns+` FROM remotes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		rec, err := scanRemote(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (d *DB) SetAuthState(ctx context.Context, id string, state types.AuthState) error {
	return d.updateRemote(ctx, `UPDATE remotes SET auth_state = ? WHERE id = ?`, string(state), id)
}

func (d *DB) SetRemoving(ctx context.Context, id string, removing bool) error {
	return d.updateRemote(ctx, `UPDATE remotes SET removing = ? WHERE id = ?`, boolToInt(removing), id)
}

func (d *DB) TouchScanned(ctx context.Context, id string, at time.Time) error {
	return d.updateRemote(ctx, `UPDATE remotes SET last_scanned_at = ? WHERE id = ?`, toUnix(at), id)
}

func (d *DB) updateRemote(ctx context.Context, query string, args ...interface{}) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRemote removes a remote together with its cached listings. Deleting
// a missing remote is not an error.
func (d *DB) DeleteRemote(ctx context.Context, id string) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, q := range []string{
		`DELETE FROM entries WHERE remote_id = ?`,
		`DELETE FROM listings WHERE remote_id = ?`,
		`DELETE FROM remotes WHERE id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanRemote(scanner interface {
	Scan(dest ...interface{}) error
}) (*RemoteRecord, error) {
	var rec RemoteRecord
	var state string
	var created int64
	var scanned sql.NullInt64
	var removing int
	err := scanner.Scan(&rec.ID, &rec.Name, &rec.Provider, &state, &created, &scanned, &removing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.AuthState = types.AuthState(state)
	rec.CreatedAt = fromUnix(created)
	rec.LastScannedAt = nullTime(scanned)
	rec.Removing = removing != 0
	return &rec, nil
}
