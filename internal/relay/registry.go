// Package relay implements the tunnel relay core: the connection registry,
// the request forwarder, the replay engine, and the HTTP/WebSocket surface.
package relay

import (
	"sort"
	"sync"

	"github.com/koltyakov/relay/internal/metrics"
)

// Registry maps subdomains to live client sessions. Registration is
// last-writer-wins: a new connection for a subdomain displaces the previous
// one, failing its in-flight requests before the replacement becomes visible.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*session{}}
}

// Register installs sess for its subdomain and returns the displaced session,
// if any. The displaced session's pending requests are failed before the new
// session is observable through Lookup.
func (r *Registry) Register(sess *session) *session {
	r.mu.Lock()
	old := r.sessions[sess.subdomain]
	if old != nil {
		old.closing.Store(true)
		old.closePending()
		_ = old.conn.Close()
	}
	r.sessions[sess.subdomain] = sess
	r.mu.Unlock()

	if old == nil {
		metrics.ActiveConnections.Inc()
	}
	return old
}

// Lookup returns the live session for subdomain.
func (r *Registry) Lookup(subdomain string) (*session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[subdomain]
	r.mu.RUnlock()
	return sess, ok
}

// Unregister removes sess if it is still the current session for its
// subdomain. A stale unregister (the subdomain was already re-registered by a
// newer connection) is a no-op.
func (r *Registry) Unregister(sess *session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[sess.subdomain]
	if !ok || cur != sess {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sess.subdomain)
	r.mu.Unlock()

	metrics.ActiveConnections.Dec()
	return true
}

// ListActive returns the subdomains with a live connection, sorted.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sessions))
	for sub := range r.sessions {
		out = append(out, sub)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// PendingCount reports the number of in-flight forwarded requests for a
// subdomain's current session.
func (r *Registry) PendingCount(subdomain string) int64 {
	r.mu.RLock()
	sess := r.sessions[subdomain]
	r.mu.RUnlock()
	if sess == nil {
		return 0
	}
	return sess.pendingCount.Load()
}

func (r *Registry) snapshot() []*session {
	r.mu.RLock()
	out := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()
	return out
}
