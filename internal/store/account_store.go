package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sipher/internal/domain"
)

// SaveAccount upserts the pickled account for its owner.
func (db *DB) SaveAccount(ctx context.Context, rec domain.AccountRecord) error {
	now := time.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO accounts (owner_id, pickle, key_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			pickle = excluded.pickle,
			key_version = excluded.key_version,
			updated_at = excluded.updated_at`,
		string(rec.OwnerID), rec.Pickle, uint32(rec.KeyVersion), fmtTime(created), fmtTime(now))
	return err
}

// LoadAccount returns the pickled account for owner, or
// domain.ErrNotFound.
func (db *DB) LoadAccount(ctx context.Context, owner domain.UserID) (domain.AccountRecord, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT pickle, key_version, created_at, updated_at
		FROM accounts WHERE owner_id = ?`, string(owner))

	var (
		rec                    domain.AccountRecord
		version                uint32
		createdRaw, updatedRaw string
	)
	rec.OwnerID = owner
	err := row.Scan(&rec.Pickle, &version, &createdRaw, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AccountRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.AccountRecord{}, err
	}
	rec.KeyVersion = domain.KeyVersion(version)
	rec.CreatedAt = parseTime(createdRaw)
	rec.UpdatedAt = parseTime(updatedRaw)
	return rec, nil
}

// DeleteAccount removes the account row; missing rows are not an error.
func (db *DB) DeleteAccount(ctx context.Context, owner domain.UserID) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM accounts WHERE owner_id = ?`, string(owner))
	return err
}

var _ domain.AccountStore = (*DB)(nil)
