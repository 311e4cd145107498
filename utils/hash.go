package utils

import (
	"encoding/base64"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Hasher accumulates the xxh64 checksum of a byte stream and renders it in
// the modlist wire format: the 64-bit digest serialized little-endian, then
// base64 encoded.
type Hasher struct {
	d *xxhash.Digest
}

func NewHasher() *Hasher {
	return &Hasher{d: xxhash.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.d.Write(p)
}

// Sum returns the encoded checksum of everything written so far.
func (h *Hasher) Sum() string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h.d.Sum64())
	return base64.StdEncoding.EncodeToString(buf[:])
}

// HashReader consumes r to EOF and returns the encoded checksum.
func HashReader(r io.Reader) (string, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return h.Sum(), nil
}
