// Package digest computes content digests over package payloads.
//
// The algorithm is a configuration point rather than a constant so that
// packages signed under different digest schemes keep verifying as the
// default moves forward.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Algorithm identifies a supported digest algorithm.
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
)

// Default is the algorithm used when a package does not declare one.
const Default = SHA256

// Hasher computes digests with a fixed algorithm.
type Hasher struct {
	algorithm Algorithm
}

// New returns a hasher for the given algorithm.
func New(algorithm Algorithm) (*Hasher, error) {
	switch algorithm {
	case SHA256, BLAKE2b:
		return &Hasher{algorithm: algorithm}, nil
	case "":
		return &Hasher{algorithm: Default}, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
}

// MustNew is New for algorithms known at compile time.
func MustNew(algorithm Algorithm) *Hasher {
	h, err := New(algorithm)
	if err != nil {
		panic(err)
	}
	return h
}

// Algorithm reports the configured algorithm.
func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

// Sum computes the digest of data.
func (h *Hasher) Sum(data []byte) []byte {
	switch h.algorithm {
	case BLAKE2b:
		sum := blake2b.Sum256(data)
		return sum[:]
	default:
		sum := sha256.Sum256(data)
		return sum[:]
	}
}

// Hex computes the digest of data and encodes it as lowercase hex.
func (h *Hasher) Hex(data []byte) string {
	return hex.EncodeToString(h.Sum(data))
}

// SumConcat digests the concatenation of several buffers without
// materializing the joined slice.
func (h *Hasher) SumConcat(buffers ...[]byte) []byte {
	switch h.algorithm {
	case BLAKE2b:
		hash, _ := blake2b.New256(nil)
		for _, b := range buffers {
			hash.Write(b)
		}
		return hash.Sum(nil)
	default:
		hash := sha256.New()
		for _, b := range buffers {
			hash.Write(b)
		}
		return hash.Sum(nil)
	}
}

// HexConcat is SumConcat with hex encoding.
func (h *Hasher) HexConcat(buffers ...[]byte) string {
	return hex.EncodeToString(h.SumConcat(buffers...))
}
