// Package integrity computes and compares the content digests carried in
// transfer metadata.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm names a digest function.
type Algorithm string

const (
	MD5     Algorithm = "md5"
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
)

// Default is used when metadata does not name an algorithm.
const Default = MD5

// ParseAlgorithm normalises s. An empty string yields Default.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch alg := Algorithm(strings.ToLower(strings.TrimSpace(s))); alg {
	case "":
		return Default, nil
	case MD5, SHA256, BLAKE2b:
		return alg, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", s)
	}
}

// HexLen is the length of the hex encoded digest.
func (a Algorithm) HexLen() int {
	switch a {
	case MD5:
		return md5.Size * 2
	case SHA256:
		return sha256.Size * 2
	case BLAKE2b:
		return blake2b.Size256 * 2
	default:
		return 0
	}
}

// New returns a fresh hash for alg.
func New(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// Encode returns the lowercase hex digest of h.
func Encode(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Sum digests everything read from r.
func Sum(alg Algorithm, r io.Reader) (string, error) {
	h, err := New(alg)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to digest content: %w", err)
	}
	return Encode(h), nil
}

// SumFile digests the file at path.
func SumFile(alg Algorithm, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Sum(alg, f)
}

// Equal compares two hex digests, ignoring case.
func Equal(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidHex reports whether s looks like a digest produced by alg.
func ValidHex(alg Algorithm, s string) bool {
	if len(s) != alg.HexLen() {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
