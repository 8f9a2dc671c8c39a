// Package sha256 provides SHA-256 digests for cache keys and credential fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex SHA-256 digest of s.
func Sum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the first n hex characters of the digest of s.
func Fingerprint(s string, n int) string {
	digest := Sum(s)
	if n <= 0 || n >= len(digest) {
		return digest
	}
	return digest[:n]
}
