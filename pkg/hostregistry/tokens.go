// Package hostregistry implements host identity: bootstrap/session token
// handshakes, heartbeat absorption, and the schedulability predicate used
// by placement (spec.md §4.2).
package hostregistry

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// generateToken returns a high-entropy random token (>=128 bits, spec.md
// §4.2 "random session token (random ≥128 bits)") and the hex-encoded
// SHA-256 hash stored in place of it, grounded on the teacher's
// apikey.generateAPIKey pattern.
func generateToken() (raw, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating token: %w", err)
	}
	raw = hex.EncodeToString(b)
	hash = hashToken(raw)
	return raw, hash, nil
}

// hashToken returns the hex-encoded SHA-256 hash of a raw token.
func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// tokensMatch compares a raw token against a stored hash in constant time.
func tokensMatch(raw, storedHash string) bool {
	if raw == "" || storedHash == "" {
		return false
	}
	computed := hashToken(raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
