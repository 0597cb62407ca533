package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateConnectToken mints a short-lived single-use token a client exchanges
// for the tunnel's websocket session.
func (s *Store) CreateConnectToken(ctx context.Context, tunnelID string, ttl time.Duration) (string, error) {
	token, err := newToken("ct")
	if err != nil {
		return "", err
	}
	expiresAt := time.Now().UTC().Add(ttl)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO connect_tokens(token, tunnel_id, expires_at, used_at)
VALUES(?, ?, ?, NULL)`, token, tunnelID, expiresAt)
	if err != nil {
		return "", err
	}
	return token, nil
}

// ConsumeConnectToken atomically marks token used and returns its tunnel ID.
// Returns sql.ErrNoRows for unknown, expired, or already-used tokens.
func (s *Store) ConsumeConnectToken(ctx context.Context, token string) (string, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var tunnelID string
	err = tx.QueryRowContext(ctx, `
SELECT tunnel_id FROM connect_tokens
WHERE token = ? AND used_at IS NULL AND expires_at > ?`, token, now).Scan(&tunnelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", sql.ErrNoRows
		}
		return "", err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE connect_tokens SET used_at = ? WHERE token = ? AND used_at IS NULL`, now, token)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		return "", sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return tunnelID, nil
}

// PurgeExpiredConnectTokens removes tokens past their expiry or already used.
func (s *Store) PurgeExpiredConnectTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM connect_tokens WHERE expires_at < ? OR used_at IS NOT NULL`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
