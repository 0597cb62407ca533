package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/relay/internal/domain"
)

// CreateTunnel inserts a tunnel row. Returns ErrSubdomainInUse when the
// subdomain is already claimed by an active tunnel; a soft-deleted tunnel
// with the same subdomain and owner is reactivated instead.
func (s *Store) CreateTunnel(ctx context.Context, t domain.Tunnel) (domain.Tunnel, error) {
	t.Subdomain = strings.ToLower(strings.TrimSpace(t.Subdomain))
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.IsActive = true

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tunnel{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingID, existingKeyID string
	var existingActive bool
	err = tx.QueryRowContext(ctx, `
SELECT id, api_key_id, is_active FROM tunnels WHERE subdomain = ?`, t.Subdomain).Scan(&existingID, &existingKeyID, &existingActive)
	switch {
	case err == nil:
		if existingActive || existingKeyID != t.APIKeyID {
			return domain.Tunnel{}, domain.ErrSubdomainInUse
		}
		// Same owner reclaiming a soft-deleted subdomain: reactivate in place
		// so request history stays attached.
		whitelist, merr := marshalStringList(t.IPWhitelist)
		if merr != nil {
			return domain.Tunnel{}, merr
		}
		if _, err = tx.ExecContext(ctx, `
UPDATE tunnels
SET local_host = ?, local_port = ?, protocol = ?, password_hash = ?, ip_whitelist = ?, expires_at = ?, inspect = ?, is_active = 1
WHERE id = ?`,
			t.LocalHost, t.LocalPort, t.Protocol, nullableString(t.PasswordHash), whitelist, nullableTime(t.ExpiresAt), boolToInt(t.Inspect), existingID); err != nil {
			return domain.Tunnel{}, err
		}
		t.ID = existingID
	case errors.Is(err, sql.ErrNoRows):
		whitelist, merr := marshalStringList(t.IPWhitelist)
		if merr != nil {
			return domain.Tunnel{}, merr
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO tunnels(id, api_key_id, subdomain, local_host, local_port, protocol, password_hash, ip_whitelist, expires_at, inspect, is_active, total_requests, total_bytes, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, 0, ?)`,
			t.ID, t.APIKeyID, t.Subdomain, t.LocalHost, t.LocalPort, t.Protocol, nullableString(t.PasswordHash), whitelist, nullableTime(t.ExpiresAt), boolToInt(t.Inspect), t.CreatedAt); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return domain.Tunnel{}, domain.ErrSubdomainInUse
			}
			return domain.Tunnel{}, err
		}
	default:
		return domain.Tunnel{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.Tunnel{}, err
	}
	return t, nil
}

// FindTunnelBySubdomain returns the tunnel claiming subdomain, active or not.
// Returns ErrTunnelNotFound when no row exists.
func (s *Store) FindTunnelBySubdomain(ctx context.Context, subdomain string) (domain.Tunnel, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	return s.scanTunnel(s.db.QueryRowContext(ctx, tunnelSelect+` WHERE subdomain = ?`, subdomain))
}

// FindTunnelByID returns the tunnel with the given ID, active or not.
func (s *Store) FindTunnelByID(ctx context.Context, id string) (domain.Tunnel, error) {
	return s.scanTunnel(s.db.QueryRowContext(ctx, tunnelSelect+` WHERE id = ?`, id))
}

// DeactivateTunnel soft-deletes a tunnel: the row and its request logs stay.
func (s *Store) DeactivateTunnel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tunnels SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrTunnelNotFound
	}
	return nil
}

// IncrementTunnelCounters adds one request and the given byte count to the
// tunnel's monotonic counters.
func (s *Store) IncrementTunnelCounters(ctx context.Context, id string, bytes int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE tunnels
SET total_requests = total_requests + 1, total_bytes = total_bytes + ?
WHERE id = ?`, bytes, id)
	return err
}

// DeactivateExpiredTunnels soft-deletes tunnels whose expires_at has passed.
// Returns the IDs of the tunnels it deactivated.
func (s *Store) DeactivateExpiredTunnels(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT id FROM tunnels
WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at < ?`, now.UTC())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE tunnels SET is_active = 0 WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

const tunnelSelect = `
SELECT id, api_key_id, subdomain, local_host, local_port, protocol, password_hash, ip_whitelist, expires_at, inspect, is_active, total_requests, total_bytes, created_at
FROM tunnels`

func (s *Store) scanTunnel(row *sql.Row) (domain.Tunnel, error) {
	var t domain.Tunnel
	var passwordHash sql.NullString
	var whitelist sql.NullString
	var expiresAt sql.NullTime
	var inspect, active int
	err := row.Scan(&t.ID, &t.APIKeyID, &t.Subdomain, &t.LocalHost, &t.LocalPort, &t.Protocol,
		&passwordHash, &whitelist, &expiresAt, &inspect, &active, &t.TotalRequests, &t.TotalBytes, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tunnel{}, domain.ErrTunnelNotFound
	}
	if err != nil {
		return domain.Tunnel{}, err
	}
	if passwordHash.Valid {
		t.PasswordHash = passwordHash.String
	}
	list, err := unmarshalStringList(whitelist)
	if err != nil {
		return domain.Tunnel{}, err
	}
	t.IPWhitelist = list
	if expiresAt.Valid {
		exp := expiresAt.Time
		t.ExpiresAt = &exp
	}
	t.Inspect = inspect == 1
	t.IsActive = active == 1
	return t, nil
}
