package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/koltyakov/relay/internal/domain"
	"github.com/koltyakov/relay/internal/netutil"
	"github.com/koltyakov/relay/internal/tunnelproto"
)

const publicLogWriteTimeout = 10 * time.Second

// handlePublic serves tunnel traffic: Host header resolves the subdomain,
// the request is forwarded through the live connection, and the exchange is
// recorded after the response has been written.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	// API paths are reserved on every host.
	if strings.HasPrefix(r.URL.Path, "/v1/") || r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
		http.NotFound(w, r)
		return
	}

	subdomain := netutil.SubdomainFromHost(r.Host, s.cfg.BaseDomain)
	if subdomain == "" {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}

	tunnel, err := s.store.FindTunnelBySubdomain(r.Context(), subdomain)
	if err != nil {
		if errors.Is(err, domain.ErrTunnelNotFound) {
			http.Error(w, "unknown host", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !tunnel.IsActive || (tunnel.ExpiresAt != nil && time.Now().After(*tunnel.ExpiresAt)) {
		http.Error(w, "tunnel gone", http.StatusGone)
		return
	}

	ip := s.clientIP(r)
	if !ipAllowed(ip, tunnel.IPWhitelist) {
		s.log.Warn("public request rejected by ip whitelist", "subdomain", subdomain, "ip", ip)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if tunnel.PasswordHash != "" && !isAuthorizedBasicPassword(r, tunnel.PasswordHash) {
		writeBasicAuthChallenge(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	headers := tunnelproto.CloneHeaders(r.Header)
	req := ForwardRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: headers,
		Body:    body,
	}

	start := time.Now()
	result, err := s.forwarder.Forward(r.Context(), subdomain, req, s.cfg.RequestTimeout)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTunnelNotFound):
			http.Error(w, "tunnel offline", http.StatusServiceUnavailable)
		case errors.Is(err, domain.ErrTunnelDisconnected):
			http.Error(w, "tunnel disconnected", http.StatusBadGateway)
		case errors.Is(err, domain.ErrRequestTimeout):
			http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
		case errors.Is(err, domain.ErrTunnelBusy):
			http.Error(w, "tunnel busy", http.StatusTooManyRequests)
		case errors.Is(err, domain.ErrEncryptionFailed):
			s.log.Error("forward encryption failure", "subdomain", subdomain, "err", err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		default:
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}
		return
	}

	respHeader := w.Header()
	for k, vals := range result.Headers {
		for _, v := range vals {
			respHeader.Add(k, v)
		}
	}
	netutil.RemoveHopByHopHeaders(respHeader)

	respBody := result.Body
	if result.Encryption != nil {
		// E2E response stays sealed; hand the envelope to the caller as-is.
		respHeader.Set("Content-Type", "application/json")
		respHeader.Set("X-Relay-Encryption", result.Encryption.Mode)
		respBody = encodeEnvelopeBody(result.Encryption)
	}

	status := result.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if len(respBody) > 0 {
		_, _ = w.Write(respBody)
	}

	s.recordPublicExchange(tunnel, r, req, result, respBody, ip, time.Since(start))
}

// recordPublicExchange persists the request log and bumps tunnel counters
// after the response has been written to the public caller.
func (s *Server) recordPublicExchange(tunnel domain.Tunnel, r *http.Request, req ForwardRequest, result ForwardResult, respBody []byte, ip string, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), publicLogWriteTimeout)
	defer cancel()

	entry := domain.RequestLog{
		TunnelID:        tunnel.ID,
		Method:          req.Method,
		Path:            req.Path,
		Query:           req.Query,
		Headers:         req.Headers,
		StatusCode:      result.Status,
		ResponseHeaders: result.Headers,
		ResponseTimeMS:  elapsed.Milliseconds(),
		ClientIP:        ip,
		UserAgent:       r.UserAgent(),
	}
	if tunnel.Inspect {
		entry.Body = req.Body
		entry.ResponseBody = respBody
	}
	if _, err := s.store.SaveRequestLog(ctx, entry); err != nil {
		s.log.Error("request log write failed", "tunnel_id", tunnel.ID, "err", err)
	}
	bytes := int64(len(req.Body) + len(respBody))
	if err := s.store.IncrementTunnelCounters(ctx, tunnel.ID, bytes); err != nil {
		s.log.Error("counter update failed", "tunnel_id", tunnel.ID, "err", err)
	}
}

func encodeEnvelopeBody(env *tunnelproto.Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return b
}

// clientIP attributes a public request to a peer address. X-Forwarded-For is
// client-settable, so it is honored only when the connecting peer is a
// configured trusted proxy; everyone else is judged by their socket address.
func (s *Server) clientIP(r *http.Request) string {
	peer := netutil.NormalizeHost(r.RemoteAddr)
	// ipAllowed treats an empty list as allow-all; an empty proxy list must
	// mean trust-nobody instead.
	if len(s.cfg.TrustedProxies) == 0 || !ipAllowed(peer, s.cfg.TrustedProxies) {
		return peer
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return peer
}

// ipAllowed checks ip against a whitelist of plain addresses and CIDR
// prefixes. An empty whitelist allows everyone.
func ipAllowed(ip string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, entry := range whitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		other, err := netip.ParseAddr(entry)
		if err == nil && other == addr {
			return true
		}
	}
	return false
}

func validWhitelistEntry(entry string) bool {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false
	}
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}
