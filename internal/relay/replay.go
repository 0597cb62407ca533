package relay

import (
	"context"
	"strings"
	"time"

	"github.com/koltyakov/relay/internal/domain"
	"github.com/koltyakov/relay/internal/metrics"
	"github.com/koltyakov/relay/internal/netutil"
)

// replayStore is the persistence surface the replay engine needs. The sqlite
// store implements it.
type replayStore interface {
	FindTunnelByID(ctx context.Context, id string) (domain.Tunnel, error)
	FindRequestLog(ctx context.Context, tunnelID, logID string) (domain.RequestLog, error)
	SaveRequestLog(ctx context.Context, l domain.RequestLog) (domain.RequestLog, error)
}

// requestForwarder lets tests substitute the live Forwarder.
type requestForwarder interface {
	Forward(ctx context.Context, subdomain string, req ForwardRequest, timeout time.Duration) (ForwardResult, error)
}

// ReplayEngine re-submits a recorded request through its tunnel's current
// connection and records the fresh exchange as a new log entry.
type ReplayEngine struct {
	store     replayStore
	forwarder requestForwarder
	timeout   time.Duration
}

func NewReplayEngine(store replayStore, forwarder requestForwarder, timeout time.Duration) *ReplayEngine {
	return &ReplayEngine{store: store, forwarder: forwarder, timeout: timeout}
}

// Replay forwards the recorded request identified by logID through tunnelID's
// live connection. Connection-identifying headers are stripped; the replayed
// request carries a user agent naming the original log entry. Forwarding
// errors surface unchanged; a new log row is written only on success.
func (e *ReplayEngine) Replay(ctx context.Context, tunnelID, logID string) (domain.RequestLog, error) {
	tunnel, err := e.store.FindTunnelByID(ctx, tunnelID)
	if err != nil {
		return domain.RequestLog{}, &domain.TunnelError{TunnelID: tunnelID, Op: "replay", Err: err}
	}
	if !tunnel.IsActive {
		return domain.RequestLog{}, &domain.TunnelError{TunnelID: tunnelID, Op: "replay", Err: domain.ErrTunnelInactive}
	}

	original, err := e.store.FindRequestLog(ctx, tunnelID, logID)
	if err != nil {
		return domain.RequestLog{}, &domain.TunnelError{TunnelID: tunnelID, Op: "replay", Err: err}
	}

	userAgent := "Replay from " + original.ID
	headers := netutil.StripReplayHeaders(original.Headers)
	// Recorded headers may carry a denormalized user-agent key; drop every
	// spelling before setting the replay tag so it cannot ship twice.
	for k := range headers {
		if strings.EqualFold(k, "User-Agent") {
			delete(headers, k)
		}
	}
	headers["User-Agent"] = []string{userAgent}

	req := ForwardRequest{
		Method:  original.Method,
		Path:    original.Path,
		Query:   original.Query,
		Headers: headers,
		Body:    original.Body,
	}

	start := time.Now()
	result, err := e.forwarder.Forward(ctx, tunnel.Subdomain, req, e.timeout)
	if err != nil {
		return domain.RequestLog{}, err
	}
	metrics.ReplaysTotal.Inc()

	entry := domain.RequestLog{
		TunnelID:        tunnelID,
		Method:          original.Method,
		Path:            original.Path,
		Query:           original.Query,
		Headers:         headers,
		StatusCode:      result.Status,
		ResponseHeaders: result.Headers,
		ResponseTimeMS:  time.Since(start).Milliseconds(),
		ClientIP:        "127.0.0.1",
		UserAgent:       userAgent,
	}
	if tunnel.Inspect {
		entry.Body = original.Body
		entry.ResponseBody = result.Body
	}
	saved, err := e.store.SaveRequestLog(ctx, entry)
	if err != nil {
		return domain.RequestLog{}, &domain.TunnelError{TunnelID: tunnelID, Op: "replay record", Err: err}
	}
	return saved, nil
}
