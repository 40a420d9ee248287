// Package hash computes hex encoded SHA-256 digests, used for stored file
// checksums and token cache keys.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	stdhash "hash"
)

// Digest accumulates the SHA-256 of everything written to it. It is
// typically fed through io.TeeReader while a stream is copied.
type Digest struct {
	h stdhash.Hash
}

func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

func (d *Digest) Hex() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

func String(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
