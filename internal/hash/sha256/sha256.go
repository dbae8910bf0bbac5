// Package sha256 digests captured snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements prerender.Hasher. Digests are lowercase hex so they can
// be compared with sha256sum output for the files written under basePath.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex SHA-256 of a snapshot body. It never fails.
func (*Hasher) Hash(html []byte) (string, error) {
	sum := sha256.Sum256(html)
	return hex.EncodeToString(sum[:]), nil
}
