package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha16 returns the leading 64 bits of the SHA-256 of s as 16 hex
// characters, used to build compact dedupe-key fingerprints.
func Sha16(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
