// Package checksum provides the content hashing shared by version snapshots,
// backup verification and the integrity checker. SHA-256 hex, computed over
// the exact serialized byte sequence being protected.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Sum returns the SHA-256 hex digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumJSON marshals v and returns the digest of the marshaled bytes.
// encoding/json emits map keys in sorted order, so the digest is stable for
// map-backed values.
func SumJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	return Sum(data), nil
}

// SumFile returns the digest of a file's contents without loading it whole.
func SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether data hashes to want.
func Verify(data []byte, want string) bool {
	return Sum(data) == want
}
