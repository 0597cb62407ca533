package cryptobox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/relay/internal/domain"
)

const rsaKeyBits = 2048

const defaultRotationDays = 30

// KeyStore is the persistence surface the vault needs. The sqlite store
// implements it.
type KeyStore interface {
	GetEncryptionSettings(ctx context.Context, tunnelID string) (domain.EncryptionSettings, bool, error)
	InsertEncryptionKey(ctx context.Context, key domain.EncryptionKey) error
	ActiveEncryptionKey(ctx context.Context, tunnelID string) (domain.EncryptionKey, bool, error)
	SupersedeActiveKeys(ctx context.Context, tunnelID string, rotatedAt time.Time) error
}

// Vault owns per-tunnel keypair lifecycle. Private keys are sealed with
// AES-256-GCM under a key derived from the process master secret before they
// reach the store, and unsealed only transiently for decrypt operations.
// Vault operations on different tunnels are independent; key generation never
// holds a lock that the forwarding path contends on.
type Vault struct {
	store  KeyStore
	master []byte
	now    func() time.Time
}

// NewVault derives the sealing key from masterSecret and returns a vault
// backed by store.
func NewVault(store KeyStore, masterSecret string) *Vault {
	sum := sha256.Sum256([]byte(masterSecret))
	return &Vault{
		store:  store,
		master: sum[:],
		now:    time.Now,
	}
}

// GenerateKeypair creates and persists a fresh RSA-2048 keypair for the
// tunnel. Any previously active key is superseded first so at most one active
// key exists per tunnel.
func (v *Vault) GenerateKeypair(ctx context.Context, tunnelID string) (domain.EncryptionKey, error) {
	rotationDays := defaultRotationDays
	if settings, ok, err := v.store.GetEncryptionSettings(ctx, tunnelID); err != nil {
		return domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "generate keypair", Err: err}
	} else if ok {
		rotationDays = settings.KeyRotationDays
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "generate keypair", Err: err}
	}
	pubPEM, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "generate keypair", Err: err}
	}
	privPEM, err := EncodePrivateKeyPEM(priv)
	if err != nil {
		return domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "generate keypair", Err: err}
	}
	sealed, err := v.seal([]byte(privPEM))
	if err != nil {
		return domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "seal private key", Err: err}
	}

	now := v.now().UTC()
	key := domain.EncryptionKey{
		ID:               uuid.NewString(),
		TunnelID:         tunnelID,
		PublicKeyPEM:     pubPEM,
		PrivateKeySealed: sealed,
		Algorithm:        domain.EncryptionAlgorithm,
		CreatedAt:        now,
		ExpiresAt:        now.AddDate(0, 0, rotationDays),
	}

	if err := v.store.SupersedeActiveKeys(ctx, tunnelID, now); err != nil {
		return domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "supersede keys", Err: err}
	}
	if err := v.store.InsertEncryptionKey(ctx, key); err != nil {
		return domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "persist key", Err: err}
	}
	return key, nil
}

// ActiveKey returns the tunnel's current (non-superseded) key, if any.
func (v *Vault) ActiveKey(ctx context.Context, tunnelID string) (domain.EncryptionKey, bool, error) {
	return v.store.ActiveEncryptionKey(ctx, tunnelID)
}

// Rotate supersedes the current key and generates a replacement. It fails
// with ErrEncryptionDisabled when the tunnel's settings have encryption off.
func (v *Vault) Rotate(ctx context.Context, tunnelID string) (domain.EncryptionKey, error) {
	settings, ok, err := v.store.GetEncryptionSettings(ctx, tunnelID)
	if err != nil {
		return domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "rotate", Err: err}
	}
	if !ok || !settings.Enabled {
		return domain.EncryptionKey{}, &domain.TunnelError{TunnelID: tunnelID, Op: "rotate", Err: domain.ErrEncryptionDisabled}
	}
	return v.GenerateKeypair(ctx, tunnelID)
}

// IsExpired reports whether key has passed its rotation window. Expired keys
// are skipped for new session-key wrapping but still unseal for in-flight
// sessions created before expiry.
func (v *Vault) IsExpired(key domain.EncryptionKey) bool {
	return key.Expired(v.now())
}

// PublicKey parses the key's public half.
func (v *Vault) PublicKey(key domain.EncryptionKey) (*rsa.PublicKey, error) {
	return ParsePublicKeyPEM(key.PublicKeyPEM)
}

// PrivateKey transiently unseals and parses the key's private half. Callers
// must not persist the result.
func (v *Vault) PrivateKey(key domain.EncryptionKey) (*rsa.PrivateKey, error) {
	pemData, err := v.unseal(key.PrivateKeySealed)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyPEM(string(pemData))
}

func (v *Vault) seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.master)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) unseal(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: sealed key: %v", domain.ErrEncryptionFailed, err)
	}
	block, err := aes.NewCipher(v.master)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: sealed key too short", domain.ErrEncryptionFailed)
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: master key mismatch or tampered data", domain.ErrEncryptionFailed)
	}
	return plaintext, nil
}
