// Package fingerprint provides the content hash functions a session may be
// configured with and helpers to stream data through them.
package fingerprint

import (
	"crypto/md5"  //nolint:gosec // selectable for compatibility with existing manifests
	"crypto/sha1" //nolint:gosec // selectable for compatibility with existing manifests
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm identifies a content hash function.
type Algorithm string

const (
	MD5     Algorithm = "md5"
	SHA1    Algorithm = "sha1"
	SHA256  Algorithm = "sha256"
	SHA512  Algorithm = "sha512"
	BLAKE2b Algorithm = "blake2b"
	CRC64   Algorithm = "crc64"
)

// Default is the algorithm used when none is configured.
const Default = SHA256

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{MD5, SHA1, SHA256, SHA512, BLAKE2b, CRC64}

var crc64Table = crc64.MakeTable(crc64.ECMA)

// Parse validates an algorithm name. The empty string maps to Default.
func Parse(name string) (Algorithm, error) {
	if name == "" {
		return Default, nil
	}
	alg := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	for _, a := range Algorithms {
		if a == alg {
			return alg, nil
		}
	}
	return "", fmt.Errorf("unsupported hash algorithm %q", name)
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil //nolint:gosec
	case SHA1:
		return sha1.New(), nil //nolint:gosec
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE2b:
		return blake2b.New256(nil)
	case CRC64:
		return crc64.New(crc64Table), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", string(a))
	}
}

// Size returns the digest length in bytes, or 0 for an unknown algorithm.
func (a Algorithm) Size() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	case BLAKE2b:
		return blake2b.Size256
	case CRC64:
		return crc64.Size
	default:
		return 0
	}
}

// DecodeHex parses a hex digest and checks it has the right length for a.
func (a Algorithm) DecodeHex(s string) ([]byte, error) {
	sum, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex digest %q: %w", s, err)
	}
	if len(sum) != a.Size() {
		return nil, fmt.Errorf("digest %q has %d bytes, %s needs %d", s, len(sum), a, a.Size())
	}
	return sum, nil
}

// Sum streams r through the algorithm and returns the digest and the number
// of bytes read.
func (a Algorithm) Sum(r io.Reader) ([]byte, uint64, error) {
	h, err := a.New()
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, uint64(n), err
	}
	return h.Sum(nil), uint64(n), nil
}
