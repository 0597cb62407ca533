package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koltyakov/relay/internal/auth"
	"github.com/koltyakov/relay/internal/config"
	"github.com/koltyakov/relay/internal/cryptobox"
	"github.com/koltyakov/relay/internal/debughttp"
	"github.com/koltyakov/relay/internal/domain"
	"github.com/koltyakov/relay/internal/store/sqlite"
)

const minWSReadLimit = 1 << 20

// Server wires the relay components behind one HTTP listener: the tunnel
// management API, the client websocket endpoint, and the public catch-all.
type Server struct {
	cfg       config.ServerConfig
	store     *sqlite.Store
	log       *slog.Logger
	registry  *Registry
	forwarder *Forwarder
	replay    *ReplayEngine
	vault     *cryptobox.Vault
	validate  *validator.Validate

	wg sync.WaitGroup
}

func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger) *Server {
	registry := NewRegistry()
	vault := cryptobox.NewVault(store, cfg.MasterKey)
	forwarder := NewForwarder(registry, store, vault, cfg.MaxPendingPerConn)
	return &Server{
		cfg:       cfg,
		store:     store,
		log:       logger,
		registry:  registry,
		forwarder: forwarder,
		replay:    NewReplayEngine(store, forwarder, cfg.RequestTimeout),
		vault:     vault,
		validate:  validator.New(),
	}
}

func (s *Server) Run(ctx context.Context) error {
	// Tunnels past their deadline get deactivated at boot so stale rows never
	// serve traffic between restarts.
	if ids, err := s.store.DeactivateExpiredTunnels(ctx, time.Now()); err != nil {
		s.log.Error("expired tunnel reconciliation failed", "err", err)
	} else if len(ids) > 0 {
		s.log.Info("deactivated expired tunnels at boot", "count", len(ids))
	}

	go s.runJanitor(ctx)

	if err := debughttp.StartPprofServer(ctx, s.cfg.PprofAddr, s.log); err != nil {
		return fmt.Errorf("pprof server: %w", err)
	}

	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting relay server", "addr", s.cfg.Listen, "domain", s.cfg.BaseDomain)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.shutdown(server, 5*time.Second)
	case err := <-errCh:
		_ = s.shutdown(server, 5*time.Second)
		return err
	}
}

// shutdown stops accepting HTTP traffic, closes the live tunnel sessions
// (Shutdown does not touch hijacked websocket connections), and waits for
// their read loops to unwind within the timeout.
func (s *Server) shutdown(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	for _, sess := range s.registry.snapshot() {
		sess.closing.Store(true)
		_ = sess.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("session read loops still running at shutdown deadline")
	}
	return err
}

// Handler builds the full route table. Split from Run so tests can serve it
// through httptest without binding the configured listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tunnels/register", s.handleRegister)
	mux.HandleFunc("GET /v1/tunnels/connect", s.handleConnect)
	mux.HandleFunc("GET /v1/tunnels/{subdomain}/state", s.handleState)
	mux.HandleFunc("POST /v1/tunnels/{id}/logs/{logID}/replay", s.handleReplay)
	mux.HandleFunc("GET /v1/tunnels/{id}/logs", s.handleListLogs)
	mux.HandleFunc("DELETE /v1/tunnels/{id}", s.handleDeleteTunnel)
	mux.HandleFunc("GET /v1/tunnels/{id}/encryption", s.handleGetEncryption)
	mux.HandleFunc("PUT /v1/tunnels/{id}/encryption", s.handlePutEncryption)
	mux.HandleFunc("GET /v1/tunnels/{id}/encryption/keys", s.handleListKeys)
	mux.HandleFunc("POST /v1/tunnels/{id}/encryption/keys", s.handleGenerateKey)
	mux.HandleFunc("POST /v1/tunnels/{id}/encryption/keys/rotate", s.handleRotateKey)
	mux.HandleFunc("GET /v1/tunnels/{id}/encryption/keys/public", s.handlePublicKey)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"active_tunnels": len(s.registry.ListActive()),
		})
	})
	mux.HandleFunc("/", s.handlePublic)
	return mux
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	key := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if key == "" {
		return "", false
	}
	h := auth.HashAPIKey(key, s.cfg.APIKeyPepper)
	keyID, err := s.store.ResolveAPIKeyID(r.Context(), h)
	if err != nil {
		return "", false
	}
	return keyID, true
}

// ownedTunnel loads a tunnel by ID and checks it belongs to the
// authenticated key.
func (s *Server) ownedTunnel(w http.ResponseWriter, r *http.Request, id string) (domain.Tunnel, bool) {
	keyID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return domain.Tunnel{}, false
	}
	tunnel, err := s.store.FindTunnelByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrTunnelNotFound) {
			writeError(w, http.StatusNotFound, "tunnel not found", "tunnel_not_found")
			return domain.Tunnel{}, false
		}
		writeError(w, http.StatusInternalServerError, "internal error", "")
		return domain.Tunnel{}, false
	}
	if tunnel.APIKeyID != keyID {
		writeError(w, http.StatusNotFound, "tunnel not found", "tunnel_not_found")
		return domain.Tunnel{}, false
	}
	return tunnel, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}

