// Package sha256 provides SHA-256 hashing used for grant fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fieldSep separates fields so ("ab","c") and ("a","bc") hash differently.
const fieldSep = "\x1f"

// Hasher computes hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFields hashes the fields joined by a unit separator.
func (h *Hasher) HashFields(fields ...string) string {
	return h.Hash([]byte(strings.Join(fields, fieldSep)))
}
