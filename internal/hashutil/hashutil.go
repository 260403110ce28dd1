// Package hashutil provides the streaming 128-bit fingerprint hash used for
// all cache keys.
//
// The digest is xxh3-128. Fingerprints are the canonical big-endian bytes of
// the 128-bit value, hex-encoded lowercase, so caches written on one platform
// are readable on any other.
package hashutil

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"

	"github.com/meigma/buildcache/internal/cachetype"
)

// separator is mixed into the stream by Separator so that the hash of two
// concatenated fields differs from the hash of a single field holding their
// concatenation.
var separator = []byte{0x00, 0x1d, 'b', 'c', 's', 'e', 'p', 0x1d, 0x00}

const fileBufSize = 256 * 1024

// Hasher computes a fingerprint over a stream of bytes and file contents.
// The zero value is not usable; call New.
type Hasher struct {
	h *xxh3.Hasher
}

// New returns a Hasher with an empty stream.
func New() *Hasher {
	return &Hasher{h: xxh3.New()}
}

// Update mixes b into the stream.
func (h *Hasher) Update(b []byte) {
	_, _ = h.h.Write(b)
}

// UpdateString mixes s into the stream.
func (h *Hasher) UpdateString(s string) {
	_, _ = h.h.WriteString(s)
}

// UpdateFile mixes the contents of the file at path into the stream, in file
// order.
func (h *Hasher) UpdateFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hash file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, fileBufSize)
	if _, err := io.CopyBuffer(h.h, f, buf); err != nil {
		return fmt.Errorf("hash file %s: %w", path, err)
	}
	return nil
}

// Separator mixes a distinguished constant into the stream.
func (h *Hasher) Separator() {
	_, _ = h.h.Write(separator)
}

// Clone returns an independent copy of the hasher's current state. Updates
// to the clone do not affect the original and vice versa.
func (h *Hasher) Clone() *Hasher {
	c := *h.h
	return &Hasher{h: &c}
}

// Sum finalizes the stream and returns its fingerprint. The hasher remains
// usable; further updates continue the original stream.
func (h *Hasher) Sum() cachetype.Fingerprint {
	b := h.h.Sum128().Bytes()
	return cachetype.Fingerprint(hex.EncodeToString(b[:]))
}

// HashBytes returns the fingerprint of b.
func HashBytes(b []byte) cachetype.Fingerprint {
	h := New()
	h.Update(b)
	return h.Sum()
}

// HashString returns the fingerprint of s.
func HashString(s string) cachetype.Fingerprint {
	h := New()
	h.UpdateString(s)
	return h.Sum()
}

// HashFile returns the fingerprint of the contents of the file at path.
func HashFile(path string) (cachetype.Fingerprint, error) {
	h := New()
	if err := h.UpdateFile(path); err != nil {
		return "", err
	}
	return h.Sum(), nil
}
