// Package domain defines the core data types shared across the relay
// server, store, crypto, and tunnel protocol layers.
package domain

import "time"

// Tunnel protocol constants.
const (
	ProtocolHTTP = "http"
	ProtocolTCP  = "tcp"
	ProtocolWS   = "ws"
)

// Encryption mode constants. ModeNone forwards payloads untouched,
// ModeTransport encrypts the wire payload between relay and client, and
// ModeE2E additionally hides sensitive headers from the relay itself.
const (
	ModeNone      = "none"
	ModeTransport = "transport"
	ModeE2E       = "e2e"
)

// EncryptionAlgorithm is the only supported hybrid scheme: AES-256-GCM for
// payloads with session keys wrapped by RSA-OAEP(SHA-256).
const EncryptionAlgorithm = "aes-256-gcm+rsa-oaep-sha256"

// Connection state reported to API callers for a subdomain.
const (
	ConnectionStateConnected    = "connected"
	ConnectionStateDisconnected = "disconnected"
)

// APIKey represents a server-managed authentication key.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Tunnel is a persisted mapping from a public subdomain to a developer's
// local server. Deleting a tunnel flips IsActive to false; the row and its
// request history are retained.
type Tunnel struct {
	ID            string
	APIKeyID      string
	Subdomain     string
	LocalHost     string
	LocalPort     int
	Protocol      string
	PasswordHash  string
	IPWhitelist   []string
	ExpiresAt     *time.Time
	Inspect       bool
	IsActive      bool
	TotalRequests int64
	TotalBytes    int64
	CreatedAt     time.Time
}

// EncryptionSettings holds the per-tunnel encryption configuration.
type EncryptionSettings struct {
	TunnelID        string
	Enabled         bool
	Mode            string
	Algorithm       string
	KeyRotationDays int
	UpdatedAt       time.Time
}

// EncryptionKey is one tunnel keypair generation. The private key is sealed
// with the process master key before it ever reaches storage. At most one key
// per tunnel has RotatedAt == nil; that key is the active one.
type EncryptionKey struct {
	ID               string
	TunnelID         string
	PublicKeyPEM     string
	PrivateKeySealed string
	Algorithm        string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RotatedAt        *time.Time
}

// Expired reports whether the key has passed its rotation window at the
// given instant. Expired keys are not used for new session-key wrapping but
// remain available to decrypt sessions created before expiry.
func (k EncryptionKey) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// RequestLog is one recorded request/response pair for a tunnel. Rows are
// append-only; only the retention sweep removes them.
type RequestLog struct {
	ID              string
	TunnelID        string
	Method          string
	Path            string
	Query           string
	Headers         map[string][]string
	Body            []byte
	StatusCode      int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	ResponseTimeMS  int64
	ClientIP        string
	UserAgent       string
	CreatedAt       time.Time
}
