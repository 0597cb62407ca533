package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/koltyakov/relay/internal/domain"
	"github.com/koltyakov/relay/internal/tunnelproto"
)

// fakeConn is an in-memory wsConn. Writes are recorded and optionally handed
// to an onWrite callback playing the tunnel client.
type fakeConn struct {
	mu       sync.Mutex
	written  []tunnelproto.Message
	writeErr error
	onWrite  func(tunnelproto.Message)

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	err := c.writeErr
	var msg tunnelproto.Message
	if m, ok := v.(tunnelproto.Message); ok {
		msg = m
		if err == nil {
			c.written = append(c.written, m)
		}
	}
	onWrite := c.onWrite
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if onWrite != nil {
		onWrite(msg)
	}
	return nil
}

func (c *fakeConn) ReadJSON(any) error {
	<-c.closed
	return errors.New("connection closed")
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenMessages() []tunnelproto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]tunnelproto.Message, len(c.written))
	copy(out, c.written)
	return out
}

// fakeSettings returns fixed encryption settings for every tunnel.
type fakeSettings struct {
	settings domain.EncryptionSettings
	found    bool
}

func (f *fakeSettings) GetEncryptionSettings(context.Context, string) (domain.EncryptionSettings, bool, error) {
	return f.settings, f.found, nil
}

// fakeKeyStore is a minimal in-memory cryptobox.KeyStore for vault-backed
// forwarder tests.
type fakeKeyStore struct {
	mu       sync.Mutex
	settings map[string]domain.EncryptionSettings
	keys     []domain.EncryptionKey
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{settings: map[string]domain.EncryptionSettings{}}
}

func (f *fakeKeyStore) GetEncryptionSettings(_ context.Context, tunnelID string) (domain.EncryptionSettings, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.settings[tunnelID]
	return s, ok, nil
}

func (f *fakeKeyStore) InsertEncryptionKey(_ context.Context, key domain.EncryptionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeKeyStore) ActiveEncryptionKey(_ context.Context, tunnelID string) (domain.EncryptionKey, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.keys) - 1; i >= 0; i-- {
		if f.keys[i].TunnelID == tunnelID && f.keys[i].RotatedAt == nil {
			return f.keys[i], true, nil
		}
	}
	return domain.EncryptionKey{}, false, nil
}

func (f *fakeKeyStore) SupersedeActiveKeys(_ context.Context, tunnelID string, rotatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.keys {
		if f.keys[i].TunnelID == tunnelID && f.keys[i].RotatedAt == nil {
			t := rotatedAt
			f.keys[i].RotatedAt = &t
		}
	}
	return nil
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
