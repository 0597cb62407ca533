package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/koltyakov/relay/internal/auth"
	"github.com/koltyakov/relay/internal/domain"
	"github.com/koltyakov/relay/internal/metrics"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	keyID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	var req domain.RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", "validation")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "invalid field: "+strings.ToLower(verrs[0].Field()), "validation")
			return
		}
		writeError(w, http.StatusBadRequest, "validation failed", "validation")
		return
	}
	subdomain, ok := validSubdomain(req.Subdomain)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid or reserved subdomain", "validation")
		return
	}

	tunnel := domain.Tunnel{
		APIKeyID:    keyID,
		Subdomain:   subdomain,
		LocalHost:   strings.TrimSpace(req.LocalHost),
		LocalPort:   req.LocalPort,
		Protocol:    req.Protocol,
		Inspect:     req.Inspect,
		IPWhitelist: req.Whitelist,
	}
	if tunnel.LocalHost == "" {
		tunnel.LocalHost = "localhost"
	}
	if tunnel.Protocol == "" {
		tunnel.Protocol = domain.ProtocolHTTP
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error", "")
			return
		}
		tunnel.PasswordHash = hash
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid expires_in", "validation")
			return
		}
		exp := time.Now().UTC().Add(d)
		tunnel.ExpiresAt = &exp
	}
	for _, entry := range tunnel.IPWhitelist {
		if !validWhitelistEntry(entry) {
			writeError(w, http.StatusBadRequest, "invalid ip_whitelist entry: "+entry, "validation")
			return
		}
	}

	created, err := s.store.CreateTunnel(r.Context(), tunnel)
	if err != nil {
		if errors.Is(err, domain.ErrSubdomainInUse) {
			writeError(w, http.StatusConflict, "subdomain already in use", "subdomain_in_use")
			return
		}
		s.log.Error("tunnel create failed", "subdomain", subdomain, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	token, err := s.store.CreateConnectToken(r.Context(), created.ID, s.cfg.ConnectTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create connect token", "")
		return
	}

	s.log.Info("tunnel registered", "tunnel_id", created.ID, "subdomain", created.Subdomain)
	writeJSON(w, http.StatusOK, domain.RegisterResponse{
		TunnelID:  created.ID,
		Subdomain: created.Subdomain,
		PublicURL: "https://" + created.Subdomain + "." + s.cfg.BaseDomain,
		WSURL:     fmt.Sprintf("wss://%s/v1/tunnels/connect?token=%s", s.cfg.BaseDomain, token),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	subdomain, ok := validSubdomain(r.PathValue("subdomain"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid subdomain", "validation")
		return
	}
	if _, err := s.store.FindTunnelBySubdomain(r.Context(), subdomain); err != nil {
		if errors.Is(err, domain.ErrTunnelNotFound) {
			writeError(w, http.StatusNotFound, "tunnel not found", "tunnel_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}

	state := domain.ConnectionStateDisconnected
	if _, connected := s.registry.Lookup(subdomain); connected {
		state = domain.ConnectionStateConnected
	}
	writeJSON(w, http.StatusOK, map[string]string{"subdomain": subdomain, "state": state})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.ownedTunnel(w, r, r.PathValue("id")); !ok {
		return
	}

	entry, err := s.replay.Replay(r.Context(), r.PathValue("id"), r.PathValue("logID"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRequestLogNotFound):
			writeError(w, http.StatusNotFound, "request log not found", "request_log_not_found")
		case errors.Is(err, domain.ErrTunnelInactive):
			writeError(w, http.StatusGone, "tunnel inactive", "tunnel_inactive")
		case errors.Is(err, domain.ErrTunnelNotFound), errors.Is(err, domain.ErrTunnelDisconnected):
			writeError(w, http.StatusServiceUnavailable, "tunnel offline", "tunnel_disconnected")
		case errors.Is(err, domain.ErrRequestTimeout):
			writeError(w, http.StatusGatewayTimeout, "upstream timeout", "request_timeout")
		case errors.Is(err, domain.ErrTunnelBusy):
			writeError(w, http.StatusTooManyRequests, "tunnel busy", "tunnel_busy")
		default:
			s.log.Error("replay failed", "tunnel_id", r.PathValue("id"), "log_id", r.PathValue("logID"), "err", err)
			writeError(w, http.StatusBadGateway, "replay failed", "")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"log_id":           entry.ID,
		"status_code":      entry.StatusCode,
		"response_time_ms": entry.ResponseTimeMS,
		"user_agent":       entry.UserAgent,
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.ownedTunnel(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	logs, err := s.store.ListRequestLogs(r.Context(), tunnel.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}

	type logSummary struct {
		ID             string    `json:"id"`
		Method         string    `json:"method"`
		Path           string    `json:"path"`
		Query          string    `json:"query,omitempty"`
		StatusCode     int       `json:"status_code"`
		ResponseTimeMS int64     `json:"response_time_ms"`
		ClientIP       string    `json:"client_ip,omitempty"`
		UserAgent      string    `json:"user_agent,omitempty"`
		CreatedAt      time.Time `json:"created_at"`
	}
	out := make([]logSummary, 0, len(logs))
	for _, l := range logs {
		out = append(out, logSummary{
			ID: l.ID, Method: l.Method, Path: l.Path, Query: l.Query,
			StatusCode: l.StatusCode, ResponseTimeMS: l.ResponseTimeMS,
			ClientIP: l.ClientIP, UserAgent: l.UserAgent, CreatedAt: l.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteTunnel(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.ownedTunnel(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.store.DeactivateTunnel(r.Context(), tunnel.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if sess, live := s.registry.Lookup(tunnel.Subdomain); live && sess.tunnelID == tunnel.ID {
		sess.closing.Store(true)
		_ = sess.conn.Close()
	}
	s.log.Info("tunnel deactivated", "tunnel_id", tunnel.ID, "subdomain", tunnel.Subdomain)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEncryption(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.ownedTunnel(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	settings, found, err := s.store.GetEncryptionSettings(r.Context(), tunnel.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if !found {
		settings = domain.EncryptionSettings{
			TunnelID:        tunnel.ID,
			Enabled:         false,
			Mode:            domain.ModeNone,
			Algorithm:       domain.EncryptionAlgorithm,
			KeyRotationDays: 30,
		}
		if settings, err = s.store.UpsertEncryptionSettings(r.Context(), settings); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error", "")
			return
		}
	}
	writeEncryptionSettings(w, settings)
}

func (s *Server) handlePutEncryption(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.ownedTunnel(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var req domain.EncryptionSettingsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", "validation")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid mode or rotation window", "validation")
		return
	}
	if req.Enabled && req.Mode == domain.ModeNone {
		writeError(w, http.StatusBadRequest, "enabled encryption requires transport or e2e mode", "validation")
		return
	}

	settings, err := s.store.UpsertEncryptionSettings(r.Context(), domain.EncryptionSettings{
		TunnelID:        tunnel.ID,
		Enabled:         req.Enabled,
		Mode:            req.Mode,
		Algorithm:       domain.EncryptionAlgorithm,
		KeyRotationDays: req.KeyRotationDays,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}

	// Enabling encryption without a usable key would fail every forward, so
	// generate the first keypair here.
	if settings.Enabled {
		if _, found, err := s.vault.ActiveKey(r.Context(), tunnel.ID); err == nil && !found {
			if _, err := s.vault.GenerateKeypair(r.Context(), tunnel.ID); err != nil {
				s.log.Error("initial keypair generation failed", "tunnel_id", tunnel.ID, "err", err)
				writeError(w, http.StatusInternalServerError, "keypair generation failed", "")
				return
			}
			metrics.KeyRotationsTotal.Inc()
		}
	}
	s.log.Info("encryption settings updated", "tunnel_id", tunnel.ID, "mode", settings.Mode, "enabled", settings.Enabled)
	writeEncryptionSettings(w, settings)
}

// handleListKeys returns the tunnel's full key history, superseded
// generations included, without sealed private halves.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.ownedTunnel(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	keys, err := s.store.ListEncryptionKeys(r.Context(), tunnel.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	out := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		entry := map[string]any{
			"key_id":         key.ID,
			"tunnel_id":      key.TunnelID,
			"public_key_pem": key.PublicKeyPEM,
			"algorithm":      key.Algorithm,
			"created_at":     key.CreatedAt,
			"expires_at":     key.ExpiresAt,
			"active":         key.RotatedAt == nil,
		}
		if key.RotatedAt != nil {
			entry["rotated_at"] = key.RotatedAt
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.ownedTunnel(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	key, err := s.vault.GenerateKeypair(r.Context(), tunnel.ID)
	if err != nil {
		s.log.Error("keypair generation failed", "tunnel_id", tunnel.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "keypair generation failed", "")
		return
	}
	metrics.KeyRotationsTotal.Inc()
	writeKey(w, key)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.ownedTunnel(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	key, err := s.vault.Rotate(r.Context(), tunnel.ID)
	if err != nil {
		if errors.Is(err, domain.ErrEncryptionDisabled) {
			writeError(w, http.StatusConflict, "encryption disabled", "encryption_disabled")
			return
		}
		s.log.Error("key rotation failed", "tunnel_id", tunnel.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "key rotation failed", "")
		return
	}
	metrics.KeyRotationsTotal.Inc()
	s.log.Info("encryption key rotated", "tunnel_id", tunnel.ID, "key_id", key.ID)
	writeKey(w, key)
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.ownedTunnel(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	key, found, err := s.vault.ActiveKey(r.Context(), tunnel.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no active key", "key_not_found")
		return
	}
	writeKey(w, key)
}

func writeEncryptionSettings(w http.ResponseWriter, settings domain.EncryptionSettings) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnel_id":         settings.TunnelID,
		"enabled":           settings.Enabled,
		"mode":              settings.Mode,
		"algorithm":         settings.Algorithm,
		"key_rotation_days": settings.KeyRotationDays,
	})
}

// writeKey serializes a key generation without its sealed private half.
func writeKey(w http.ResponseWriter, key domain.EncryptionKey) {
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":         key.ID,
		"tunnel_id":      key.TunnelID,
		"public_key_pem": key.PublicKeyPEM,
		"algorithm":      key.Algorithm,
		"created_at":     key.CreatedAt,
		"expires_at":     key.ExpiresAt,
	})
}
