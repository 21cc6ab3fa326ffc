// Package storage fingerprints uploaded batch files and archives them.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the lowercase hex sha256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
