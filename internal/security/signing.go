package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/errcode"
)

// SigningConfig selects the HMAC algorithm and key for envelope signing.
type SigningConfig struct {
	Algorithm string // "sha256" or "sha512"
	SecretKey []byte
}

func (c SigningConfig) hasher() (func() hash.Hash, error) {
	switch c.Algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", c.Algorithm)
	}
}

// SignEnvelope computes the hex HMAC signature over the envelope's canonical
// form (signature and credential fields excluded).
func SignEnvelope(e *envelope.Envelope, cfg SigningConfig) (string, error) {
	h, err := cfg.hasher()
	if err != nil {
		return "", err
	}
	data, err := e.SignedBytes()
	if err != nil {
		return "", fmt.Errorf("canonicalize for signing: %w", err)
	}
	mac := hmac.New(h, cfg.SecretKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyEnvelope recomputes the signature and compares in constant time.
// Returns E_SIGNATURE_MISMATCH when the bytes differ.
func VerifyEnvelope(e *envelope.Envelope, signature string, cfg SigningConfig) error {
	expected, err := SignEnvelope(e, cfg)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errcode.New(errcode.SignatureMismatch, "envelope signature mismatch")
	}
	return nil
}

// IdempotencyKey returns the deduplication key for an envelope: the
// sender-supplied idempotency_key or the derived SHA-256 fallback.
func IdempotencyKey(e *envelope.Envelope) string {
	return e.DedupKey()
}
