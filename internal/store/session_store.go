package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sipher/internal/domain"
)

// SaveSession upserts the pickled session for the (owner, peer) pair.
// The primary key enforces at most one session per pair.
func (db *DB) SaveSession(ctx context.Context, rec domain.SessionRecord) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sessions (owner_id, peer_id, pickle, peer_key_version, peer_identity_key, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, peer_id) DO UPDATE SET
			pickle = excluded.pickle,
			peer_key_version = excluded.peer_key_version,
			peer_identity_key = excluded.peer_identity_key,
			updated_at = excluded.updated_at`,
		string(rec.OwnerID), string(rec.PeerID), rec.Pickle,
		uint32(rec.PeerKeyVersion), rec.PeerIdentityKey, fmtTime(time.Now()))
	return err
}

// LoadSession returns the session for (owner, peer), or
// domain.ErrNotFound.
func (db *DB) LoadSession(ctx context.Context, owner, peer domain.UserID) (domain.SessionRecord, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT pickle, peer_key_version, peer_identity_key, updated_at
		FROM sessions WHERE owner_id = ? AND peer_id = ?`,
		string(owner), string(peer))

	var (
		rec        domain.SessionRecord
		version    uint32
		updatedRaw string
	)
	rec.OwnerID, rec.PeerID = owner, peer
	err := row.Scan(&rec.Pickle, &version, &rec.PeerIdentityKey, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, err
	}
	rec.PeerKeyVersion = domain.KeyVersion(version)
	rec.UpdatedAt = parseTime(updatedRaw)
	return rec, nil
}

// DeleteSession removes the session for (owner, peer); missing rows
// are not an error.
func (db *DB) DeleteSession(ctx context.Context, owner, peer domain.UserID) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM sessions WHERE owner_id = ? AND peer_id = ?`,
		string(owner), string(peer))
	return err
}

// DeleteSessions removes every session owned by owner. Used on
// rotation, when all prior sessions go stale at once.
func (db *DB) DeleteSessions(ctx context.Context, owner domain.UserID) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM sessions WHERE owner_id = ?`, string(owner))
	return err
}

// ListPeers returns the peer ids owner has sessions with.
func (db *DB) ListPeers(ctx context.Context, owner domain.UserID) ([]domain.UserID, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT peer_id FROM sessions WHERE owner_id = ? ORDER BY peer_id`, string(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []domain.UserID
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, err
		}
		peers = append(peers, domain.UserID(peer))
	}
	return peers, rows.Err()
}

var _ domain.SessionStore = (*DB)(nil)
