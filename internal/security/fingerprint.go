package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// TokenFingerprint returns a short, hex-encoded SHA-256 prefix of a token. Logs carry
// the fingerprint so a rejected token can be correlated without storing it.
func TokenFingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:8])
}
