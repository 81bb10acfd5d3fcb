package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrInvalidSignature rejects an inbound payload whose signature does not
// match the shared secret.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign creates the hex HMAC-SHA256 signature carried in X-Signature.
func Sign(secret, payload []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a provided signature against the raw body in constant time.
func Verify(secret, payload []byte, provided string) error {
	expected := Sign(secret, payload)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrInvalidSignature
	}
	return nil
}
