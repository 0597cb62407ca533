package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/relay/internal/auth"
	"github.com/koltyakov/relay/internal/tunnelproto"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	tunnelID, err := s.store.ConsumeConnectToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	tunnel, err := s.store.FindTunnelByID(r.Context(), tunnelID)
	if err != nil || !tunnel.IsActive {
		http.Error(w, "tunnel gone", http.StatusGone)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}

	sess := newSession(tunnel.ID, tunnel.Subdomain, conn)
	wsReadLimit := s.cfg.MaxBodyBytes * 2
	if wsReadLimit < minWSReadLimit {
		wsReadLimit = minWSReadLimit
	}
	sess.conn.SetReadLimit(wsReadLimit)

	if old := s.registry.Register(sess); old != nil {
		s.log.Info("tunnel connection displaced", "tunnel_id", old.tunnelID, "subdomain", old.subdomain)
	}
	s.log.Info("tunnel connected", "tunnel_id", tunnel.ID, "subdomain", tunnel.Subdomain)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(sess)
	}()
}

func (s *Server) readLoop(sess *session) {
	defer func() {
		_ = sess.conn.Close()
		sess.closePending()
		s.registry.Unregister(sess)
		s.log.Info("tunnel disconnected", "tunnel_id", sess.tunnelID, "subdomain", sess.subdomain)
	}()

	for {
		var msg tunnelproto.Message
		if err := sess.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("tunnel read error", "tunnel_id", sess.tunnelID, "err", err)
			}
			return
		}
		sess.touch(time.Now())

		switch msg.Kind {
		case tunnelproto.KindResponse:
			sess.dispatchResponse(msg)
		case tunnelproto.KindPing:
			_ = sess.writeJSON(tunnelproto.Message{Kind: tunnelproto.KindPong})
		case tunnelproto.KindClose:
			return
		}
	}
}

// isAuthorizedBasicPassword checks a tunnel's public access password. Any
// username is accepted; only the password is verified.
func isAuthorizedBasicPassword(r *http.Request, hash string) bool {
	_, password, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return auth.VerifyPasswordHash(hash, password)
}

func writeBasicAuthChallenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="relay", charset="UTF-8"`)
	http.Error(w, "authentication required", http.StatusUnauthorized)
}
