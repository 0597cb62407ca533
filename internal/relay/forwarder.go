package relay

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/koltyakov/relay/internal/cryptobox"
	"github.com/koltyakov/relay/internal/domain"
	"github.com/koltyakov/relay/internal/metrics"
	"github.com/koltyakov/relay/internal/tunnelproto"
)

// SettingsSource resolves per-tunnel encryption settings at forward time.
// The sqlite store implements it.
type SettingsSource interface {
	GetEncryptionSettings(ctx context.Context, tunnelID string) (domain.EncryptionSettings, bool, error)
}

// ForwardRequest is one public HTTP request to deliver through a tunnel.
type ForwardRequest struct {
	Method  string
	Path    string
	Query   string
	Headers map[string][]string
	Body    []byte
}

// ForwardResult is the client's response. In e2e mode the payload stays
// sealed and is returned as Encryption instead of Body.
type ForwardResult struct {
	Status     int
	Headers    map[string][]string
	Body       []byte
	Encryption *tunnelproto.Envelope
}

// Forwarder delivers public requests to tunnel clients and correlates their
// responses. It never writes to storage; request logging and counters are the
// caller's responsibility.
type Forwarder struct {
	registry   *Registry
	settings   SettingsSource
	vault      *cryptobox.Vault
	maxPending int64

	requestSeq atomic.Uint64
}

// NewForwarder builds a forwarder. maxPending caps in-flight requests per
// connection; zero or negative means unlimited.
func NewForwarder(registry *Registry, settings SettingsSource, vault *cryptobox.Vault, maxPending int64) *Forwarder {
	return &Forwarder{
		registry:   registry,
		settings:   settings,
		vault:      vault,
		maxPending: maxPending,
	}
}

// Forward sends req through the tunnel serving subdomain and blocks until a
// correlated response arrives, timeout elapses, the connection drops, or ctx
// is cancelled. Each outcome removes the pending entry exactly once.
func (f *Forwarder) Forward(ctx context.Context, subdomain string, req ForwardRequest, timeout time.Duration) (ForwardResult, error) {
	start := time.Now()

	sess, ok := f.registry.Lookup(subdomain)
	if !ok {
		metrics.ForwardsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return ForwardResult{}, &domain.TunnelError{Op: "forward " + subdomain, Err: domain.ErrTunnelNotFound}
	}

	if f.maxPending > 0 && sess.pendingCount.Load() >= f.maxPending {
		metrics.ForwardsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return ForwardResult{}, &domain.TunnelError{TunnelID: sess.tunnelID, Op: "forward", Err: domain.ErrTunnelBusy}
	}

	mode, key, err := f.encryptionContext(ctx, sess.tunnelID)
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return ForwardResult{}, err
	}

	wireReq, err := f.buildWireRequest(sess.tunnelID, req, mode, key)
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return ForwardResult{}, err
	}

	respCh := make(chan tunnelproto.Message, 1)
	sess.pendingStore(wireReq.ID, respCh)
	metrics.PendingRequests.Inc()
	defer metrics.PendingRequests.Dec()

	if err := sess.writeJSON(tunnelproto.Message{Kind: tunnelproto.KindRequest, Request: wireReq}); err != nil {
		sess.pendingDelete(wireReq.ID)
		metrics.ForwardsTotal.WithLabelValues(metrics.OutcomeDisconnected).Inc()
		return ForwardResult{}, &domain.TunnelError{TunnelID: sess.tunnelID, Op: "forward write", Err: domain.ErrTunnelDisconnected}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, open := <-respCh:
		if !open || msg.Response == nil {
			metrics.ForwardsTotal.WithLabelValues(metrics.OutcomeDisconnected).Inc()
			return ForwardResult{}, &domain.TunnelError{TunnelID: sess.tunnelID, Op: "forward", Err: domain.ErrTunnelDisconnected}
		}
		result, err := f.decodeResponse(sess.tunnelID, msg.Response, mode, key)
		if err != nil {
			metrics.ForwardsTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return ForwardResult{}, err
		}
		metrics.ForwardsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
		metrics.ForwardSeconds.Observe(time.Since(start).Seconds())
		return result, nil
	case <-timer.C:
		sess.pendingDelete(wireReq.ID)
		metrics.ForwardsTotal.WithLabelValues(metrics.OutcomeTimeout).Inc()
		return ForwardResult{}, &domain.TunnelError{TunnelID: sess.tunnelID, Op: "forward", Err: domain.ErrRequestTimeout}
	case <-ctx.Done():
		sess.pendingDelete(wireReq.ID)
		metrics.ForwardsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return ForwardResult{}, &domain.TunnelError{TunnelID: sess.tunnelID, Op: "forward", Err: ctx.Err()}
	}
}

// encryptionContext samples the tunnel's encryption mode and, for encrypting
// modes, resolves the active non-expired key. In-flight requests keep the
// mode sampled here even if settings change mid-request.
func (f *Forwarder) encryptionContext(ctx context.Context, tunnelID string) (string, domain.EncryptionKey, error) {
	if f.settings == nil {
		return domain.ModeNone, domain.EncryptionKey{}, nil
	}
	st, ok, err := f.settings.GetEncryptionSettings(ctx, tunnelID)
	if err != nil {
		return "", domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "load encryption settings", Err: err}
	}
	if !ok || !st.Enabled || st.Mode == domain.ModeNone {
		return domain.ModeNone, domain.EncryptionKey{}, nil
	}

	key, ok, err := f.vault.ActiveKey(ctx, tunnelID)
	if err != nil {
		return "", domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "load encryption key", Err: err}
	}
	if !ok {
		return "", domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "forward", Err: fmt.Errorf("%w: no active key", domain.ErrEncryptionFailed)}
	}
	if f.vault.IsExpired(key) {
		return "", domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "forward", Err: fmt.Errorf("%w: active key expired", domain.ErrEncryptionFailed)}
	}
	return st.Mode, key, nil
}

func (f *Forwarder) buildWireRequest(tunnelID string, req ForwardRequest, mode string, key domain.EncryptionKey) (*tunnelproto.HTTPRequest, error) {
	wire := &tunnelproto.HTTPRequest{
		ID:     f.nextRequestID(),
		Method: req.Method,
		Path:   req.Path,
		Query:  req.Query,
	}

	switch mode {
	case domain.ModeNone:
		wire.Headers = tunnelproto.CloneHeaders(req.Headers)
		wire.BodyB64 = tunnelproto.EncodeBody(req.Body)
	case domain.ModeTransport:
		pub, err := f.vault.PublicKey(key)
		if err != nil {
			return nil, &domain.TunnelError{TunnelID: tunnelID, Op: "forward", Err: err}
		}
		env, err := cryptobox.EncryptForTransport(req.Body, pub)
		if err != nil {
			return nil, &domain.TunnelError{TunnelID: tunnelID, Op: "encrypt request", Err: err}
		}
		wire.Headers = tunnelproto.CloneHeaders(req.Headers)
		wire.Encryption = wireEnvelope(mode, env)
	case domain.ModeE2E:
		pub, err := f.vault.PublicKey(key)
		if err != nil {
			return nil, &domain.TunnelError{TunnelID: tunnelID, Op: "forward", Err: err}
		}
		visible, sensitive := cryptobox.SplitSensitiveHeaders(req.Headers)
		env, err := cryptobox.EncryptEndToEnd(req.Body, sensitive, pub)
		if err != nil {
			return nil, &domain.TunnelError{TunnelID: tunnelID, Op: "encrypt request", Err: err}
		}
		wire.Headers = visible
		wire.Encryption = wireEnvelope(mode, env)
	default:
		return nil, &domain.TunnelError{TunnelID: tunnelID, Op: "forward", Err: fmt.Errorf("%w: unknown mode %q", domain.ErrEncryptionFailed, mode)}
	}
	return wire, nil
}

// decodeResponse unpacks a client response. Transport-mode envelopes are
// decrypted with the tunnel's private key; e2e envelopes pass through sealed.
func (f *Forwarder) decodeResponse(tunnelID string, resp *tunnelproto.HTTPResponse, mode string, key domain.EncryptionKey) (ForwardResult, error) {
	result := ForwardResult{
		Status:  resp.Status,
		Headers: tunnelproto.CloneHeaders(resp.Headers),
	}

	if resp.Encryption == nil {
		body, err := tunnelproto.DecodeBody(resp.BodyB64)
		if err != nil {
			return ForwardResult{}, &domain.TunnelError{TunnelID: tunnelID, Op: "decode response", Err: err}
		}
		result.Body = body
		return result, nil
	}

	if mode == domain.ModeE2E {
		result.Encryption = resp.Encryption
		return result, nil
	}

	env, err := parseWireEnvelope(resp.Encryption)
	if err != nil {
		return ForwardResult{}, &domain.TunnelError{TunnelID: tunnelID, Op: "decode response", Err: err}
	}
	priv, err := f.vault.PrivateKey(key)
	if err != nil {
		return ForwardResult{}, &domain.TunnelError{TunnelID: tunnelID, Op: "decrypt response", Err: err}
	}
	body, err := cryptobox.Decrypt(env, priv)
	if err != nil {
		return ForwardResult{}, &domain.TunnelError{TunnelID: tunnelID, Op: "decrypt response", Err: err}
	}
	result.Body = body
	return result, nil
}

func (f *Forwarder) nextRequestID() string {
	b := make([]byte, 0, 32)
	b = append(b, "req_"...)
	b = strconv.AppendInt(b, time.Now().UnixNano(), 10)
	b = append(b, '_')
	b = strconv.AppendUint(b, f.requestSeq.Add(1), 10)
	return string(b)
}
