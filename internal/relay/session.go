package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/koltyakov/relay/internal/tunnelproto"
)

// wsConn is the subset of *websocket.Conn the relay needs; tests substitute
// in-memory implementations.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetReadLimit(limit int64)
	Close() error
}

// session is one live tunnel client connection. Pending forwarded requests
// are tracked per session; teardown closes every pending channel exactly once
// under the pending mutex.
type session struct {
	tunnelID  string
	subdomain string
	conn      wsConn

	writeMu sync.Mutex

	pendingMu    sync.RWMutex
	pending      map[string]chan tunnelproto.Message
	pendingCount atomic.Int64

	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
}

func newSession(tunnelID, subdomain string, conn wsConn) *session {
	s := &session{
		tunnelID:  tunnelID,
		subdomain: subdomain,
		conn:      conn,
		pending:   make(map[string]chan tunnelproto.Message),
	}
	s.touch(time.Now())
	return s
}

func (s *session) writeJSON(msg tunnelproto.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.conn.WriteJSON(msg)
	if err != nil {
		_ = s.conn.Close()
	}
	return err
}

func (s *session) touch(t time.Time) {
	s.lastSeenUnixNano.Store(t.UnixNano())
}

func (s *session) lastSeen() time.Time {
	n := s.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

func (s *session) pendingStore(id string, ch chan tunnelproto.Message) {
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	s.pendingCount.Add(1)
}

func (s *session) pendingLoadAndDelete(id string) (chan tunnelproto.Message, bool) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if ok {
		s.pendingCount.Add(-1)
	}
	return ch, ok
}

func (s *session) pendingDelete(id string) bool {
	s.pendingMu.Lock()
	_, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if ok {
		s.pendingCount.Add(-1)
	}
	return ok
}

// closePending fails every in-flight request on this session. Safe to call
// more than once; each channel is removed from the map before it is closed.
func (s *session) closePending() {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		s.pendingCount.Add(-1)
		close(ch)
	}
	s.pendingMu.Unlock()
}

// dispatchResponse resolves the pending entry correlated with a response
// frame. Unmatched responses (late arrivals after timeout) are dropped.
func (s *session) dispatchResponse(msg tunnelproto.Message) {
	if msg.Response == nil {
		return
	}
	if ch, ok := s.pendingLoadAndDelete(msg.Response.ID); ok {
		select {
		case ch <- msg:
		default:
		}
		close(ch)
	}
}
