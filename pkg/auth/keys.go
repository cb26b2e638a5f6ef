// Package auth handles enrollment key material and the enrollment wire types.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// EnrollmentKeyBytes is the entropy of a generated enrollment key.
const EnrollmentKeyBytes = 32

// GenerateEnrollmentKey returns a random hex-encoded enrollment key.
func GenerateEnrollmentKey() (string, error) {
	buf := make([]byte, EnrollmentKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate enrollment key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// KeyHasher derives deterministic, salted hashes for enrollment keys so the
// raw key never reaches the database.
type KeyHasher struct {
	salt []byte
}

// NewKeyHasher constructs a hasher with the provided salt bytes.
func NewKeyHasher(salt []byte) KeyHasher {
	return KeyHasher{salt: append([]byte(nil), salt...)}
}

// Hash returns the base64 HMAC-SHA256 of key.
func (h KeyHasher) Hash(key string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(key))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Equal compares two secrets in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
