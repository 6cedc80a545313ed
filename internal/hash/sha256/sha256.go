// Package sha256 derives stable object keys from URLs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeyLength is the number of hex characters Key keeps.
const KeyLength = 16

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Key returns the first n hex characters of the digest of s. n outside
// (0, 64] is an error.
func Key(s string, n int) (string, error) {
	if n <= 0 || n > sha256.Size*2 {
		return "", fmt.Errorf("key length %d out of range", n)
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n], nil
}
