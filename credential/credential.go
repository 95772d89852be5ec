/*
Package credential implements PBKDF2-based salted credential hashing with
versioned encoding, grounded on the tcg-storage example's
pkg/core/hash.HashSedutil512 (pbkdf2.Key(password, salt, iterations, keyLen,
sha512.New)) — same API shape, this module's own iteration count, salt
size, key size, and digest (sha256) instead of sedutil's.
*/
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/crypto/pbkdf2"

	"corepipe/errs"
)

const (
	Iterations  = 310000
	SaltSize    = 32
	KeySize     = 32
	CurrentVersion byte = 2

	encodedSize = 1 + SaltSize + KeySize
)

// Hash derives a salted PBKDF2-HMAC-SHA256 digest for credential and
// returns it Base64-encoded as [version:1][salt:32][hash:32].
func Hash(credential string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", errs.Wrap(errs.InternalError, "generate salt", err)
	}
	digest := derive(credential, salt)

	buf := make([]byte, 0, encodedSize)
	buf = append(buf, CurrentVersion)
	buf = append(buf, salt...)
	buf = append(buf, digest...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Verify reports whether credential matches encoded, a string previously
// returned by Hash. Comparison is constant-time; unknown versions are
// rejected outright.
func Verify(credential, encoded string) bool {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != encodedSize {
		return false
	}
	if raw[0] != CurrentVersion {
		return false
	}
	salt := raw[1 : 1+SaltSize]
	want := raw[1+SaltSize:]

	got := derive(credential, salt)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func derive(credential string, salt []byte) []byte {
	return pbkdf2.Key([]byte(credential), salt, Iterations, KeySize, sha256.New)
}
