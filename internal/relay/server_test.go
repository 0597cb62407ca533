package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/relay/internal/auth"
	"github.com/koltyakov/relay/internal/config"
	"github.com/koltyakov/relay/internal/domain"
	"github.com/koltyakov/relay/internal/store/sqlite"
	"github.com/koltyakov/relay/internal/tunnelproto"
)

type testEnv struct {
	ts     *httptest.Server
	srv    *Server
	store  *sqlite.Store
	cfg    config.ServerConfig
	apiKey string
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, nil)
}

func newTestEnvWith(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.ServerConfig{
		BaseDomain:        "tunnel.test",
		APIKeyPepper:      "test-pepper",
		MasterKey:         "test-master-key",
		RequestTimeout:    2 * time.Second,
		MaxBodyBytes:      1 << 20,
		ConnectTokenTTL:   time.Minute,
		ClientPingTimeout: time.Minute,
		LogRetention:      time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, store, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	key, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateAPIKey(context.Background(), "test", auth.HashAPIKey(key, cfg.APIKeyPepper)); err != nil {
		t.Fatal(err)
	}

	return &testEnv{ts: ts, srv: srv, store: store, cfg: cfg, apiKey: key}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, authed bool) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, buf)
	if err != nil {
		t.Fatal(err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (e *testEnv) register(t *testing.T, req domain.RegisterRequest) domain.RegisterResponse {
	t.Helper()
	resp, body := e.do(t, "POST", "/v1/tunnels/register", req, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register failed: %d %s", resp.StatusCode, body)
	}
	var out domain.RegisterResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

// connectClient dials the tunnel websocket with the connect token from a
// registration response and answers every forwarded request with handler.
func (e *testEnv) connectClient(t *testing.T, reg domain.RegisterResponse, handler func(*tunnelproto.HTTPRequest) *tunnelproto.HTTPResponse) *websocket.Conn {
	t.Helper()

	wsURL, err := url.Parse(reg.WSURL)
	if err != nil {
		t.Fatal(err)
	}
	token := wsURL.Query().Get("token")
	if token == "" {
		t.Fatalf("no connect token in ws url %q", reg.WSURL)
	}

	dialURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/tunnels/connect?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(dialURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		for {
			var msg tunnelproto.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Kind != tunnelproto.KindRequest || msg.Request == nil {
				continue
			}
			response := handler(msg.Request)
			_ = conn.WriteJSON(tunnelproto.Message{Kind: tunnelproto.KindResponse, Response: response})
		}
	}()

	// Registration runs after the websocket handshake; wait until the server
	// reports the tunnel connected.
	if !waitFor(2*time.Second, func() bool {
		resp, body := e.do(t, "GET", "/v1/tunnels/"+reg.Subdomain+"/state", nil, false)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var state map[string]string
		if err := json.Unmarshal(body, &state); err != nil {
			return false
		}
		return state["state"] == domain.ConnectionStateConnected
	}) {
		t.Fatal("tunnel never reached connected state")
	}
	return conn
}

func echoHandler(req *tunnelproto.HTTPRequest) *tunnelproto.HTTPResponse {
	return &tunnelproto.HTTPResponse{
		ID:      req.ID,
		Status:  200,
		Headers: map[string][]string{"Content-Type": {"text/plain"}, "X-Upstream": {"local"}},
		BodyB64: req.BodyB64,
	}
}

func (e *testEnv) publicRequest(t *testing.T, subdomain, method, path string, body []byte, mutate func(*http.Request)) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		buf = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = subdomain + "." + e.cfg.BaseDomain
	if mutate != nil {
		mutate(req)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// No credentials.
	resp, _ := env.do(t, "POST", "/v1/tunnels/register", domain.RegisterRequest{Subdomain: "myapp", LocalPort: 3000}, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", resp.StatusCode)
	}

	// Reserved and malformed subdomains.
	for _, sub := range []string{"api", "-bad-", "no"} {
		resp, _ := env.do(t, "POST", "/v1/tunnels/register", domain.RegisterRequest{Subdomain: sub, LocalPort: 3000}, true)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("subdomain %q: expected 400, got %d", sub, resp.StatusCode)
		}
	}

	// Missing local port.
	resp, _ = env.do(t, "POST", "/v1/tunnels/register", domain.RegisterRequest{Subdomain: "myapp"}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without local_port, got %d", resp.StatusCode)
	}

	// Duplicate subdomain.
	env.register(t, domain.RegisterRequest{Subdomain: "myapp", LocalPort: 3000})
	resp, _ = env.do(t, "POST", "/v1/tunnels/register", domain.RegisterRequest{Subdomain: "MYAPP", LocalPort: 3000}, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate subdomain, got %d", resp.StatusCode)
	}
}

func TestPublicRequestRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	reg := env.register(t, domain.RegisterRequest{Subdomain: "myapp", LocalPort: 3000, Inspect: true})
	env.connectClient(t, reg, echoHandler)

	resp, body := env.publicRequest(t, "myapp", "POST", "/api/echo?x=1", []byte("hello tunnel"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if string(body) != "hello tunnel" {
		t.Fatalf("expected echoed body, got %q", body)
	}
	if got := resp.Header.Get("X-Upstream"); got != "local" {
		t.Fatalf("upstream headers must pass through, got %q", got)
	}

	// The exchange is recorded and counters move.
	if !waitFor(2*time.Second, func() bool {
		logs, err := env.store.ListRequestLogs(context.Background(), reg.TunnelID, 10, 0)
		return err == nil && len(logs) == 1
	}) {
		t.Fatal("request log never appeared")
	}
	logs, err := env.store.ListRequestLogs(context.Background(), reg.TunnelID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	entry := logs[0]
	if entry.Method != "POST" || entry.Path != "/api/echo" || entry.Query != "x=1" {
		t.Fatalf("unexpected log entry %s %s?%s", entry.Method, entry.Path, entry.Query)
	}
	if entry.StatusCode != 200 {
		t.Fatalf("unexpected status %d", entry.StatusCode)
	}
	if string(entry.Body) != "hello tunnel" || string(entry.ResponseBody) != "hello tunnel" {
		t.Fatal("inspect mode must record both bodies")
	}

	tunnel, err := env.store.FindTunnelByID(context.Background(), reg.TunnelID)
	if err != nil {
		t.Fatal(err)
	}
	if tunnel.TotalRequests != 1 || tunnel.TotalBytes != int64(2*len("hello tunnel")) {
		t.Fatalf("unexpected counters: %d requests, %d bytes", tunnel.TotalRequests, tunnel.TotalBytes)
	}

	// The log listing endpoint returns summaries without bodies.
	apiResp, apiBody := env.do(t, "GET", "/v1/tunnels/"+reg.TunnelID+"/logs", nil, true)
	if apiResp.StatusCode != http.StatusOK {
		t.Fatalf("list logs: %d %s", apiResp.StatusCode, apiBody)
	}
	var summaries []map[string]any
	if err := json.Unmarshal(apiBody, &summaries); err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 log summary, got %d", len(summaries))
	}
	if summaries[0]["path"] != "/api/echo" || summaries[0]["status_code"] != float64(200) {
		t.Fatalf("unexpected summary %v", summaries[0])
	}
	if _, hasBody := summaries[0]["body"]; hasBody {
		t.Fatal("log summaries must not carry bodies")
	}
}

func TestPublicRequestNoTunnel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, _ := env.publicRequest(t, "ghost", "GET", "/", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown subdomain, got %d", resp.StatusCode)
	}

	// Registered but never connected.
	env.register(t, domain.RegisterRequest{Subdomain: "myapp", LocalPort: 3000})
	resp, _ = env.publicRequest(t, "myapp", "GET", "/", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for offline tunnel, got %d", resp.StatusCode)
	}
}

func TestPublicRequestPasswordGate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	reg := env.register(t, domain.RegisterRequest{Subdomain: "secure", LocalPort: 3000, Password: "hunter2"})
	env.connectClient(t, reg, echoHandler)

	resp, _ := env.publicRequest(t, "secure", "GET", "/", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic ") {
		t.Fatalf("expected basic auth challenge, got %q", got)
	}

	resp, _ = env.publicRequest(t, "secure", "GET", "/", nil, func(r *http.Request) {
		r.SetBasicAuth("anyone", "hunter2")
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with password, got %d", resp.StatusCode)
	}

	resp, _ = env.publicRequest(t, "secure", "GET", "/", nil, func(r *http.Request) {
		r.SetBasicAuth("anyone", "wrong")
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong password, got %d", resp.StatusCode)
	}
}

func TestPublicRequestIPWhitelist(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	reg := env.register(t, domain.RegisterRequest{
		Subdomain: "gated",
		LocalPort: 3000,
		Whitelist: []string{"203.0.113.0/24"},
	})
	env.connectClient(t, reg, echoHandler)

	// Loopback is not on the list.
	resp, _ := env.publicRequest(t, "gated", "GET", "/", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 off-whitelist, got %d", resp.StatusCode)
	}

	// A forged X-Forwarded-For from an untrusted peer must not open the gate.
	resp, _ = env.publicRequest(t, "gated", "GET", "/", nil, func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "203.0.113.9")
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for forged forwarded header, got %d", resp.StatusCode)
	}

	// The peer's own address satisfies the whitelist directly.
	reg2 := env.register(t, domain.RegisterRequest{
		Subdomain: "local",
		LocalPort: 3000,
		Whitelist: []string{"127.0.0.1", "::1"},
	})
	env.connectClient(t, reg2, echoHandler)
	resp, _ = env.publicRequest(t, "local", "GET", "/", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for whitelisted peer, got %d", resp.StatusCode)
	}
}

func TestPublicRequestTrustedProxyForwardedFor(t *testing.T) {
	t.Parallel()
	env := newTestEnvWith(t, func(cfg *config.ServerConfig) {
		cfg.TrustedProxies = []string{"127.0.0.1", "::1"}
	})

	reg := env.register(t, domain.RegisterRequest{
		Subdomain: "gated",
		LocalPort: 3000,
		Whitelist: []string{"203.0.113.0/24"},
	})
	env.connectClient(t, reg, echoHandler)

	// The loopback peer is a configured proxy, so its forwarded client
	// address is believed.
	resp, _ := env.publicRequest(t, "gated", "GET", "/", nil, func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "203.0.113.9")
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 via trusted proxy, got %d", resp.StatusCode)
	}

	resp, _ = env.publicRequest(t, "gated", "GET", "/", nil, func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "198.51.100.7")
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for off-whitelist forwarded client, got %d", resp.StatusCode)
	}
}

func TestConnectTokenSingleUse(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	reg := env.register(t, domain.RegisterRequest{Subdomain: "myapp", LocalPort: 3000})
	env.connectClient(t, reg, echoHandler)

	wsURL, _ := url.Parse(reg.WSURL)
	dialURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/tunnels/connect?token=" + wsURL.Query().Get("token")
	_, resp, err := websocket.DefaultDialer.Dial(dialURL, nil)
	if err == nil {
		t.Fatal("expected second dial with a consumed token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for consumed token, got %v", resp)
	}
}

func TestDeleteTunnelGoesGone(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	reg := env.register(t, domain.RegisterRequest{Subdomain: "myapp", LocalPort: 3000})
	env.connectClient(t, reg, echoHandler)

	resp, _ := env.do(t, "DELETE", "/v1/tunnels/"+reg.TunnelID, nil, true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp, _ = env.publicRequest(t, "myapp", "GET", "/", nil, nil)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("expected 410 after delete, got %d", resp.StatusCode)
	}

	// The live session is torn down with the tunnel.
	if !waitFor(2*time.Second, func() bool {
		resp, body := env.do(t, "GET", "/v1/tunnels/myapp/state", nil, false)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var state map[string]string
		_ = json.Unmarshal(body, &state)
		return state["state"] == domain.ConnectionStateDisconnected
	}) {
		t.Fatal("session survived tunnel deletion")
	}
}

func TestReplayEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	reg := env.register(t, domain.RegisterRequest{Subdomain: "myapp", LocalPort: 3000, Inspect: true})
	env.connectClient(t, reg, echoHandler)

	if _, body := env.publicRequest(t, "myapp", "POST", "/orders", []byte("order-1"), nil); string(body) != "order-1" {
		t.Fatalf("unexpected body %q", body)
	}
	if !waitFor(2*time.Second, func() bool {
		logs, err := env.store.ListRequestLogs(context.Background(), reg.TunnelID, 10, 0)
		return err == nil && len(logs) == 1
	}) {
		t.Fatal("request log never appeared")
	}
	logs, err := env.store.ListRequestLogs(context.Background(), reg.TunnelID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	logID := logs[0].ID

	resp, body := env.do(t, "POST", fmt.Sprintf("/v1/tunnels/%s/logs/%s/replay", reg.TunnelID, logID), nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay failed: %d %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["user_agent"] != "Replay from "+logID {
		t.Fatalf("unexpected replay user agent %v", out["user_agent"])
	}

	// The replayed exchange became a second log entry.
	logs, err = env.store.ListRequestLogs(context.Background(), reg.TunnelID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 log entries after replay, got %d", len(logs))
	}

	// Unknown log id.
	resp, _ = env.do(t, "POST", fmt.Sprintf("/v1/tunnels/%s/logs/%s/replay", reg.TunnelID, "nope"), nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown log, got %d", resp.StatusCode)
	}

	// No credentials.
	resp, _ = env.do(t, "POST", fmt.Sprintf("/v1/tunnels/%s/logs/%s/replay", reg.TunnelID, logID), nil, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", resp.StatusCode)
	}
}

func TestEncryptionSettingsLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	reg := env.register(t, domain.RegisterRequest{Subdomain: "myapp", LocalPort: 3000})

	// Defaults are created on first read.
	resp, body := env.do(t, "GET", "/v1/tunnels/"+reg.TunnelID+"/encryption", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get settings: %d %s", resp.StatusCode, body)
	}
	var settings map[string]any
	if err := json.Unmarshal(body, &settings); err != nil {
		t.Fatal(err)
	}
	if settings["enabled"] != false || settings["mode"] != domain.ModeNone {
		t.Fatalf("unexpected defaults %v", settings)
	}

	// No key before encryption is enabled.
	resp, _ = env.do(t, "GET", "/v1/tunnels/"+reg.TunnelID+"/encryption/keys/public", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before key generation, got %d", resp.StatusCode)
	}

	// Rotation refuses while disabled.
	resp, _ = env.do(t, "POST", "/v1/tunnels/"+reg.TunnelID+"/encryption/keys/rotate", nil, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 rotating disabled encryption, got %d", resp.StatusCode)
	}

	// Enabling with mode none is rejected.
	resp, _ = env.do(t, "PUT", "/v1/tunnels/"+reg.TunnelID+"/encryption",
		domain.EncryptionSettingsRequest{Enabled: true, Mode: domain.ModeNone, KeyRotationDays: 30}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for enabled+none, got %d", resp.StatusCode)
	}

	// Enable transport mode; the first keypair is generated automatically.
	resp, body = env.do(t, "PUT", "/v1/tunnels/"+reg.TunnelID+"/encryption",
		domain.EncryptionSettingsRequest{Enabled: true, Mode: domain.ModeTransport, KeyRotationDays: 30}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put settings: %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, "GET", "/v1/tunnels/"+reg.TunnelID+"/encryption/keys/public", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("public key: %d %s", resp.StatusCode, body)
	}
	var key map[string]any
	if err := json.Unmarshal(body, &key); err != nil {
		t.Fatal(err)
	}
	pem, _ := key["public_key_pem"].(string)
	if !strings.Contains(pem, "BEGIN PUBLIC KEY") {
		t.Fatalf("expected SPKI PEM, got %q", pem)
	}
	if _, sealed := key["private_key_sealed"]; sealed {
		t.Fatal("sealed private key must never leave the server")
	}
	firstID := key["key_id"]

	// Rotation issues a fresh key.
	resp, body = env.do(t, "POST", "/v1/tunnels/"+reg.TunnelID+"/encryption/keys/rotate", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate: %d %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &key); err != nil {
		t.Fatal(err)
	}
	if key["key_id"] == firstID {
		t.Fatal("rotation must produce a new key id")
	}

	// Key history keeps the superseded generation, marked inactive.
	resp, body = env.do(t, "GET", "/v1/tunnels/"+reg.TunnelID+"/encryption/keys", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", resp.StatusCode, body)
	}
	var history []map[string]any
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 key generations, got %d", len(history))
	}
	active := 0
	for _, entry := range history {
		if _, sealed := entry["private_key_sealed"]; sealed {
			t.Fatal("sealed private key must never leave the server")
		}
		if entry["active"] == true {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active key, got %d", active)
	}
}

func TestShutdownWaitsForReadLoops(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	reg := env.register(t, domain.RegisterRequest{Subdomain: "myapp", LocalPort: 3000})
	env.connectClient(t, reg, echoHandler)

	done := make(chan error, 1)
	go func() { done <- env.srv.shutdown(&http.Server{}, 2*time.Second) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown never finished")
	}

	// The read loop unwound and unregistered its session before shutdown
	// returned.
	if active := env.srv.registry.ListActive(); len(active) != 0 {
		t.Fatalf("expected no live sessions after shutdown, got %v", active)
	}
}

func TestAPIPathsReservedOnTunnelHosts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	reg := env.register(t, domain.RegisterRequest{Subdomain: "myapp", LocalPort: 3000})
	env.connectClient(t, reg, echoHandler)

	resp, _ := env.publicRequest(t, "myapp", "GET", "/v1/no-such-endpoint", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("API paths must never forward to tunnels, got %d", resp.StatusCode)
	}
}
