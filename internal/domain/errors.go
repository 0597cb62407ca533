package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrTunnelNotFound means no live connection is registered for the
	// requested subdomain, or the tunnel row does not exist.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrTunnelInactive means the tunnel exists but was soft-deleted.
	ErrTunnelInactive = errors.New("tunnel inactive")

	// ErrTunnelDisconnected means the client connection closed while a
	// forwarded request was still pending.
	ErrTunnelDisconnected = errors.New("tunnel disconnected")

	// ErrRequestTimeout means no correlated response arrived within the
	// caller's deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrTunnelBusy means the connection already carries its maximum number
	// of in-flight forwarded requests.
	ErrTunnelBusy = errors.New("tunnel busy")

	// ErrRequestLogNotFound means the request log entry does not exist for
	// the given tunnel.
	ErrRequestLogNotFound = errors.New("request log not found")

	// ErrEncryptionFailed covers crypto failures: tampered ciphertext,
	// wrong key, or an unusable envelope.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrEncryptionDisabled is returned by key lifecycle operations that
	// require encryption to be enabled for the tunnel.
	ErrEncryptionDisabled = errors.New("encryption disabled")

	// ErrSubdomainInUse indicates the requested subdomain is already taken.
	ErrSubdomainInUse = errors.New("subdomain already in use")
)

// TunnelError wraps an underlying error with tunnel context.
type TunnelError struct {
	TunnelID string
	Op       string
	Err      error
}

func (e *TunnelError) Error() string {
	if e.TunnelID != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.TunnelID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
