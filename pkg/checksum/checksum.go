// Package checksum computes the SHA256 digests storage backends record next to every
// uploaded object.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Sum returns the hex SHA256 of data
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hasher accumulates the digest of everything written to it, for use with io.MultiWriter
// when the content is streamed rather than buffered
type Hasher struct {
	h hash.Hash
}

// NewHasher returns an empty Hasher
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Hex returns the hex digest of the bytes written so far
func (h *Hasher) Hex() string {
	return hex.EncodeToString(h.h.Sum(nil))
}
