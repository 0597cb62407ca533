package relay

import (
	"context"
	"time"
)

// runJanitor periodically evicts stale client sessions and sweeps expired
// rows: overdue tunnels, old request logs, dead connect tokens.
func (s *Server) runJanitor(ctx context.Context) {
	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatCheckInterval)
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer heartbeatTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			s.expireStaleSessions()
		case <-cleanupTicker.C:
			s.sweepExpiredRows(ctx)
		}
	}
}

// expireStaleSessions closes connections whose client stopped pinging. The
// read loop then unwinds and fails that session's pendings.
func (s *Server) expireStaleSessions() {
	now := time.Now()
	for _, sess := range s.registry.snapshot() {
		lastSeen := sess.lastSeen()
		if now.Sub(lastSeen) <= s.cfg.ClientPingTimeout {
			continue
		}
		if !sess.closing.CompareAndSwap(false, true) {
			continue
		}
		s.log.Warn("client heartbeat timeout", "tunnel_id", sess.tunnelID, "subdomain", sess.subdomain,
			"last_seen", lastSeen.UTC().Format(time.RFC3339))
		_ = sess.conn.Close()
	}
}

func (s *Server) sweepExpiredRows(ctx context.Context) {
	now := time.Now()

	ids, err := s.store.DeactivateExpiredTunnels(ctx, now)
	if err != nil {
		s.log.Error("expired tunnel sweep failed", "err", err)
	}
	for _, id := range ids {
		for _, sess := range s.registry.snapshot() {
			if sess.tunnelID != id {
				continue
			}
			if sess.closing.CompareAndSwap(false, true) {
				s.log.Info("closing session for expired tunnel", "tunnel_id", id, "subdomain", sess.subdomain)
				_ = sess.conn.Close()
			}
		}
	}

	if removed, err := s.store.PurgeRequestLogsBefore(ctx, now.Add(-s.cfg.LogRetention)); err != nil {
		s.log.Error("request log retention sweep failed", "err", err)
	} else if removed > 0 {
		s.log.Info("request logs purged", "count", removed)
	}

	if _, err := s.store.PurgeExpiredConnectTokens(ctx, now); err != nil {
		s.log.Error("connect token sweep failed", "err", err)
	}
}
