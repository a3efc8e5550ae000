package hash

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

const (
	// Size is the width of a digest in hex characters (SHA-1, 160 bits).
	Size = sha1.Size * 2
)

// Func computes the ring position of an identifier or key.
// It exists so that routing can fail closed when a digest cannot be produced.
type Func func(identifier string) (string, error)

// Sum hashes an identifier to its fixed-width lowercase hex SHA-1 digest.
func Sum(identifier string) string {
	sum := sha1.Sum([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// Digest is the default Func. SHA-1 is always available, so it never fails.
func Digest(identifier string) (string, error) {
	return Sum(identifier), nil
}

// Compare orders two digests numerically. Fixed-width lowercase hex sorts the
// same way lexicographically and numerically, so a string compare is enough.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// Between checks if candidate is in the range (low, high] walking clockwise.
// The range wraps around if low > high.
//
// Examples (single hex digits for readability):
//   - Between("5", "3", "7") = true    // 5 is in (3, 7]
//   - Between("3", "3", "7") = false   // exclusive low
//   - Between("7", "3", "7") = true    // inclusive high
//   - Between("1", "8", "3") = true    // wraps past the top of the ring
//   - Between("9", "8", "3") = true
//
// When low == high the interval covers the whole ring.
func Between(candidate, low, high string) bool {
	switch c := Compare(low, high); {
	case c < 0:
		return Compare(candidate, low) > 0 && Compare(candidate, high) <= 0
	case c > 0:
		return Compare(candidate, low) > 0 || Compare(candidate, high) <= 0
	default:
		return true
	}
}

// IsValid checks that h looks like a digest produced by Sum.
func IsValid(h string) bool {
	if len(h) != Size {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
