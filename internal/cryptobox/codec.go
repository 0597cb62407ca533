// Package cryptobox implements the relay's hybrid payload encryption and the
// per-tunnel key vault. Payloads are sealed with AES-256-GCM under a random
// session key; the session key is wrapped with RSA-OAEP(SHA-256) under the
// tunnel's current public key.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/koltyakov/relay/internal/domain"
)

const (
	sessionKeyLen = 32
	gcmNonceLen   = 12
	gcmTagLen     = 16
)

// SensitiveHeaderNames are the headers additionally sealed in e2e mode so the
// relay never sees their values.
var SensitiveHeaderNames = []string{
	"Authorization",
	"Cookie",
	"Set-Cookie",
	"X-Api-Key",
}

// Envelope is one hybrid-encrypted payload in binary form. The auth tag is
// carried separately from the ciphertext so either can be verified against
// the wire representation.
type Envelope struct {
	WrappedKey []byte
	IV         []byte
	AuthTag    []byte
	Ciphertext []byte
	// Headers block, e2e mode only. Sealed under the same session key with
	// its own IV; tag stays appended to the ciphertext.
	HeadersCiphertext []byte
	HeadersIV         []byte
}

// EncryptForTransport seals plaintext for the given recipient public key.
func EncryptForTransport(plaintext []byte, pub *rsa.PublicKey) (Envelope, error) {
	if pub == nil {
		return Envelope{}, fmt.Errorf("%w: missing recipient public key", domain.ErrEncryptionFailed)
	}

	sessionKey := make([]byte, sessionKeyLen)
	if _, err := rand.Read(sessionKey); err != nil {
		return Envelope{}, fmt.Errorf("%w: session key: %v", domain.ErrEncryptionFailed, err)
	}

	sealed, iv, err := gcmSeal(sessionKey, plaintext)
	if err != nil {
		return Envelope{}, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: wrap session key: %v", domain.ErrEncryptionFailed, err)
	}

	// Split the trailing GCM tag out of the sealed payload.
	tagStart := len(sealed) - gcmTagLen
	return Envelope{
		WrappedKey: wrapped,
		IV:         iv,
		AuthTag:    sealed[tagStart:],
		Ciphertext: sealed[:tagStart],
	}, nil
}

// EncryptEndToEnd seals plaintext like [EncryptForTransport] and additionally
// seals the given header block under the same session key. Header values are
// JSON-serialized before sealing.
func EncryptEndToEnd(plaintext []byte, headers map[string][]string, pub *rsa.PublicKey) (Envelope, error) {
	if len(headers) == 0 {
		return EncryptForTransport(plaintext, pub)
	}
	blob, err := json.Marshal(headers)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: marshal headers: %v", domain.ErrEncryptionFailed, err)
	}
	return sealEnvelopeWithHeaders(plaintext, blob, pub)
}

func sealEnvelopeWithHeaders(plaintext, headerBlob []byte, pub *rsa.PublicKey) (Envelope, error) {
	sessionKey := make([]byte, sessionKeyLen)
	if _, err := rand.Read(sessionKey); err != nil {
		return Envelope{}, fmt.Errorf("%w: session key: %v", domain.ErrEncryptionFailed, err)
	}

	sealedBody, bodyIV, err := gcmSeal(sessionKey, plaintext)
	if err != nil {
		return Envelope{}, err
	}
	sealedHeaders, headersIV, err := gcmSeal(sessionKey, headerBlob)
	if err != nil {
		return Envelope{}, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: wrap session key: %v", domain.ErrEncryptionFailed, err)
	}

	tagStart := len(sealedBody) - gcmTagLen
	return Envelope{
		WrappedKey:        wrapped,
		IV:                bodyIV,
		AuthTag:           sealedBody[tagStart:],
		Ciphertext:        sealedBody[:tagStart],
		HeadersCiphertext: sealedHeaders,
		HeadersIV:         headersIV,
	}, nil
}

// Decrypt opens the payload of an envelope with the recipient private key.
// It fails closed: any tamper or key mismatch yields ErrEncryptionFailed and
// no plaintext.
func Decrypt(env Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	sessionKey, err := unwrapSessionKey(env, priv)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, env.Ciphertext...), env.AuthTag...)
	plaintext, err := gcmOpen(sessionKey, env.IV, sealed)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// DecryptHeaders opens the e2e header block of an envelope. Returns nil when
// the envelope carries no header block.
func DecryptHeaders(env Envelope, priv *rsa.PrivateKey) (map[string][]string, error) {
	if len(env.HeadersCiphertext) == 0 {
		return nil, nil
	}
	sessionKey, err := unwrapSessionKey(env, priv)
	if err != nil {
		return nil, err
	}
	blob, err := gcmOpen(sessionKey, env.HeadersIV, env.HeadersCiphertext)
	if err != nil {
		return nil, err
	}
	var headers map[string][]string
	if err := json.Unmarshal(blob, &headers); err != nil {
		return nil, fmt.Errorf("%w: header block: %v", domain.ErrEncryptionFailed, err)
	}
	return headers, nil
}

// SplitSensitiveHeaders partitions headers into the routing-visible set and
// the sensitive set sealed in e2e mode.
func SplitSensitiveHeaders(headers map[string][]string) (visible, sensitive map[string][]string) {
	visible = make(map[string][]string, len(headers))
	sensitive = make(map[string][]string)
	for k, v := range headers {
		c := make([]string, len(v))
		copy(c, v)
		if isSensitiveHeader(k) {
			sensitive[k] = c
			continue
		}
		visible[k] = c
	}
	return visible, sensitive
}

func isSensitiveHeader(name string) bool {
	for _, s := range SensitiveHeaderNames {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}

func unwrapSessionKey(env Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: missing private key", domain.ErrEncryptionFailed)
	}
	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, env.WrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap session key: %v", domain.ErrEncryptionFailed, err)
	}
	if len(sessionKey) != sessionKeyLen {
		return nil, fmt.Errorf("%w: bad session key length %d", domain.ErrEncryptionFailed, len(sessionKey))
	}
	return sessionKey, nil
}

func gcmSeal(key, plaintext []byte) (sealed, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}
	nonce = make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: nonce: %v", domain.ErrEncryptionFailed, err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func gcmOpen(key, nonce, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}
	if len(nonce) != gcmNonceLen {
		return nil, fmt.Errorf("%w: bad nonce length %d", domain.ErrEncryptionFailed, len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrEncryptionFailed)
	}
	return plaintext, nil
}

// EncodePublicKeyPEM serializes an RSA public key as SPKI PEM.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM parses an SPKI PEM RSA public key.
func ParsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", domain.ErrEncryptionFailed)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", domain.ErrEncryptionFailed)
	}
	return pub, nil
}

// EncodePrivateKeyPEM serializes an RSA private key as PKCS8 PEM.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParsePrivateKeyPEM parses a PKCS8 PEM RSA private key.
func ParsePrivateKeyPEM(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", domain.ErrEncryptionFailed)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA private key", domain.ErrEncryptionFailed)
	}
	return priv, nil
}
