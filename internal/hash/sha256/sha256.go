// Package sha256 provides the content hasher used for duplicate
// fingerprints and document checksums.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements research.Hasher with SHA-256 hex digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data. The error return exists only to
// satisfy the Hasher contract; SHA-256 cannot fail.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
