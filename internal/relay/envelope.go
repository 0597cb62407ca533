package relay

import (
	"encoding/base64"
	"fmt"

	"github.com/koltyakov/relay/internal/cryptobox"
	"github.com/koltyakov/relay/internal/domain"
	"github.com/koltyakov/relay/internal/tunnelproto"
)

// wireEnvelope converts a sealed payload to its base64 wire form.
func wireEnvelope(mode string, env cryptobox.Envelope) *tunnelproto.Envelope {
	out := &tunnelproto.Envelope{
		Mode:       mode,
		WrappedKey: base64.StdEncoding.EncodeToString(env.WrappedKey),
		IV:         base64.StdEncoding.EncodeToString(env.IV),
		AuthTag:    base64.StdEncoding.EncodeToString(env.AuthTag),
		Ciphertext: base64.StdEncoding.EncodeToString(env.Ciphertext),
	}
	if len(env.HeadersCiphertext) > 0 {
		out.HeadersCiphertext = base64.StdEncoding.EncodeToString(env.HeadersCiphertext)
		out.HeadersIV = base64.StdEncoding.EncodeToString(env.HeadersIV)
	}
	return out
}

// parseWireEnvelope decodes a wire envelope back to binary form.
func parseWireEnvelope(env *tunnelproto.Envelope) (cryptobox.Envelope, error) {
	if env == nil {
		return cryptobox.Envelope{}, fmt.Errorf("%w: missing envelope", domain.ErrEncryptionFailed)
	}
	var out cryptobox.Envelope
	var err error
	if out.WrappedKey, err = decodeB64(env.WrappedKey); err != nil {
		return cryptobox.Envelope{}, err
	}
	if out.IV, err = decodeB64(env.IV); err != nil {
		return cryptobox.Envelope{}, err
	}
	if out.AuthTag, err = decodeB64(env.AuthTag); err != nil {
		return cryptobox.Envelope{}, err
	}
	if out.Ciphertext, err = decodeB64(env.Ciphertext); err != nil {
		return cryptobox.Envelope{}, err
	}
	if env.HeadersCiphertext != "" {
		if out.HeadersCiphertext, err = decodeB64(env.HeadersCiphertext); err != nil {
			return cryptobox.Envelope{}, err
		}
		if out.HeadersIV, err = decodeB64(env.HeadersIV); err != nil {
			return cryptobox.Envelope{}, err
		}
	}
	return out, nil
}

func decodeB64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope field: %v", domain.ErrEncryptionFailed, err)
	}
	return b, nil
}
