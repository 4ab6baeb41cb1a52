// Package sha256 provides the SHA-256 digests used for upload part and
// payload integrity checks.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher implements crawler.Hasher using SHA-256.
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

// HashReader streams r through SHA-256 and returns the hex digest.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	d := sha256.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// HashFiles hashes the concatenation of the given files in order, which is
// how a reassembled multi-part upload is verified without loading it.
func (h *Hasher) HashFiles(paths []string) (string, error) {
	d := sha256.New()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", p, err)
		}
		_, err = io.Copy(d, f)
		closeErr := f.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", p, err)
		}
		if closeErr != nil {
			return "", fmt.Errorf("close %s: %w", p, closeErr)
		}
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}
