package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/relay/internal/domain"
)

// SaveRequestLog persists one request/response pair for a tunnel.
func (s *Store) SaveRequestLog(ctx context.Context, l domain.RequestLog) (domain.RequestLog, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	headers, err := marshalJSONMap(l.Headers)
	if err != nil {
		return domain.RequestLog{}, err
	}
	respHeaders, err := marshalJSONMap(l.ResponseHeaders)
	if err != nil {
		return domain.RequestLog{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO request_logs(id, tunnel_id, method, path, query, headers, body, status_code, response_headers, response_body, response_time_ms, client_ip, user_agent, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TunnelID, l.Method, l.Path, l.Query, headers, l.Body, l.StatusCode, respHeaders, l.ResponseBody, l.ResponseTimeMS, l.ClientIP, l.UserAgent, l.CreatedAt)
	if err != nil {
		return domain.RequestLog{}, err
	}
	return l, nil
}

// FindRequestLog returns a single log entry by tunnel and log ID. Returns
// ErrRequestLogNotFound when no matching row exists.
func (s *Store) FindRequestLog(ctx context.Context, tunnelID, logID string) (domain.RequestLog, error) {
	row := s.db.QueryRowContext(ctx, requestLogSelect+` WHERE tunnel_id = ? AND id = ?`, tunnelID, logID)
	return scanRequestLog(row)
}

// ListRequestLogs returns a page of a tunnel's request logs, newest first.
func (s *Store) ListRequestLogs(ctx context.Context, tunnelID string, limit, offset int) ([]domain.RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, requestLogSelect+`
WHERE tunnel_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`, tunnelID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.RequestLog
	for rows.Next() {
		l, err := scanRequestLogRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PurgeRequestLogsBefore deletes log rows older than cutoff. Returns the
// number of rows removed.
func (s *Store) PurgeRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const requestLogSelect = `
SELECT id, tunnel_id, method, path, query, headers, body, status_code, response_headers, response_body, response_time_ms, client_ip, user_agent, created_at
FROM request_logs`

func scanRequestLog(row *sql.Row) (domain.RequestLog, error) {
	var l domain.RequestLog
	var headers, respHeaders string
	err := row.Scan(&l.ID, &l.TunnelID, &l.Method, &l.Path, &l.Query, &headers, &l.Body,
		&l.StatusCode, &respHeaders, &l.ResponseBody, &l.ResponseTimeMS, &l.ClientIP, &l.UserAgent, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RequestLog{}, domain.ErrRequestLogNotFound
	}
	if err != nil {
		return domain.RequestLog{}, err
	}
	return decodeRequestLogHeaders(l, headers, respHeaders)
}

func scanRequestLogRows(rows *sql.Rows) (domain.RequestLog, error) {
	var l domain.RequestLog
	var headers, respHeaders string
	err := rows.Scan(&l.ID, &l.TunnelID, &l.Method, &l.Path, &l.Query, &headers, &l.Body,
		&l.StatusCode, &respHeaders, &l.ResponseBody, &l.ResponseTimeMS, &l.ClientIP, &l.UserAgent, &l.CreatedAt)
	if err != nil {
		return domain.RequestLog{}, err
	}
	return decodeRequestLogHeaders(l, headers, respHeaders)
}

func decodeRequestLogHeaders(l domain.RequestLog, headers, respHeaders string) (domain.RequestLog, error) {
	h, err := unmarshalJSONMap(headers)
	if err != nil {
		return domain.RequestLog{}, err
	}
	rh, err := unmarshalJSONMap(respHeaders)
	if err != nil {
		return domain.RequestLog{}, err
	}
	l.Headers = h
	l.ResponseHeaders = rh
	return l, nil
}
