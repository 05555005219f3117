// Package crypto provides the hashing and signing primitives used by the
// ledger core. Both are thin wrappers over audited libraries.
package crypto

import (
	"github.com/Klingon-tech/stakeledger/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// Hasher accumulates data for a single BLAKE3-256 digest without building
// an intermediate buffer.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns an empty streaming hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write appends data to the digest input.
func (h *Hasher) Write(p []byte) {
	// blake3.Hasher.Write never returns an error.
	_, _ = h.h.Write(p)
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() types.Hash {
	var out types.Hash
	copy(out[:], h.h.Sum(nil))
	return out
}
