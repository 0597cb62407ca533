package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/relay/internal/domain"
)

// GetEncryptionSettings returns a tunnel's encryption settings. The second
// return value is false when no settings row exists yet.
func (s *Store) GetEncryptionSettings(ctx context.Context, tunnelID string) (domain.EncryptionSettings, bool, error) {
	var e domain.EncryptionSettings
	var enabled int
	err := s.db.QueryRowContext(ctx, `
SELECT tunnel_id, enabled, mode, algorithm, key_rotation_days, updated_at
FROM encryption_settings WHERE tunnel_id = ?`, tunnelID).
		Scan(&e.TunnelID, &enabled, &e.Mode, &e.Algorithm, &e.KeyRotationDays, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EncryptionSettings{}, false, nil
	}
	if err != nil {
		return domain.EncryptionSettings{}, false, err
	}
	e.Enabled = enabled == 1
	return e, true, nil
}

// UpsertEncryptionSettings inserts or replaces a tunnel's encryption settings.
func (s *Store) UpsertEncryptionSettings(ctx context.Context, e domain.EncryptionSettings) (domain.EncryptionSettings, error) {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO encryption_settings(tunnel_id, enabled, mode, algorithm, key_rotation_days, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(tunnel_id) DO UPDATE SET
	enabled = excluded.enabled,
	mode = excluded.mode,
	algorithm = excluded.algorithm,
	key_rotation_days = excluded.key_rotation_days,
	updated_at = excluded.updated_at`,
		e.TunnelID, boolToInt(e.Enabled), e.Mode, e.Algorithm, e.KeyRotationDays, e.UpdatedAt)
	if err != nil {
		return domain.EncryptionSettings{}, err
	}
	return e, nil
}

// InsertEncryptionKey persists one keypair generation.
func (s *Store) InsertEncryptionKey(ctx context.Context, k domain.EncryptionKey) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO encryption_keys(id, tunnel_id, public_key_pem, private_key_sealed, algorithm, created_at, expires_at, rotated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.TunnelID, k.PublicKeyPEM, k.PrivateKeySealed, k.Algorithm, k.CreatedAt, k.ExpiresAt, nullableTime(k.RotatedAt))
	return err
}

// ActiveEncryptionKey returns the tunnel's non-superseded key, if any.
func (s *Store) ActiveEncryptionKey(ctx context.Context, tunnelID string) (domain.EncryptionKey, bool, error) {
	row := s.db.QueryRowContext(ctx, encryptionKeySelect+`
WHERE tunnel_id = ? AND rotated_at IS NULL
ORDER BY created_at DESC LIMIT 1`, tunnelID)
	k, err := scanEncryptionKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EncryptionKey{}, false, nil
	}
	if err != nil {
		return domain.EncryptionKey{}, false, err
	}
	return k, true, nil
}

// SupersedeActiveKeys marks all of a tunnel's active keys rotated. Superseded
// rows are retained so sessions wrapped under old keys can still be decrypted.
func (s *Store) SupersedeActiveKeys(ctx context.Context, tunnelID string, rotatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE encryption_keys SET rotated_at = ? WHERE tunnel_id = ? AND rotated_at IS NULL`, rotatedAt.UTC(), tunnelID)
	return err
}

// ListEncryptionKeys returns all of a tunnel's keys, newest first, including
// superseded generations.
func (s *Store) ListEncryptionKeys(ctx context.Context, tunnelID string) ([]domain.EncryptionKey, error) {
	rows, err := s.db.QueryContext(ctx, encryptionKeySelect+`
WHERE tunnel_id = ? ORDER BY created_at DESC`, tunnelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.EncryptionKey
	for rows.Next() {
		var k domain.EncryptionKey
		var rotated sql.NullTime
		if err := rows.Scan(&k.ID, &k.TunnelID, &k.PublicKeyPEM, &k.PrivateKeySealed, &k.Algorithm, &k.CreatedAt, &k.ExpiresAt, &rotated); err != nil {
			return nil, err
		}
		if rotated.Valid {
			t := rotated.Time
			k.RotatedAt = &t
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

const encryptionKeySelect = `
SELECT id, tunnel_id, public_key_pem, private_key_sealed, algorithm, created_at, expires_at, rotated_at
FROM encryption_keys`

func scanEncryptionKey(row *sql.Row) (domain.EncryptionKey, error) {
	var k domain.EncryptionKey
	var rotated sql.NullTime
	err := row.Scan(&k.ID, &k.TunnelID, &k.PublicKeyPEM, &k.PrivateKeySealed, &k.Algorithm, &k.CreatedAt, &k.ExpiresAt, &rotated)
	if err != nil {
		return domain.EncryptionKey{}, err
	}
	if rotated.Valid {
		t := rotated.Time
		k.RotatedAt = &t
	}
	return k, nil
}
