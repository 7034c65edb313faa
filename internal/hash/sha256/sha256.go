// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Hasher hashes byte slices using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Stream accumulates a digest over writes, for content too large to hold in
// memory. It implements io.Writer and never fails.
type Stream struct {
	h hash.Hash
}

// NewStream returns an empty streaming digest.
func NewStream() *Stream {
	return &Stream{h: sha256.New()}
}

// Write feeds data into the digest.
func (s *Stream) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum returns the hex digest of everything written so far.
func (s *Stream) Sum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}
