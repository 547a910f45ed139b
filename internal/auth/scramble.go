// Grounded on the teacher's mysqlNativePasswordHash (internal/pool/pool.go),
// extended with the caching_sha2_password scramble per the spec's Auth
// Engine design (§4.B).
package auth

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mysql_native_password is specified to use SHA-1
	"crypto/sha256"
)

// NewSalt returns 20 random bytes with no zero bytes (the wire format
// null-terminates auth-plugin-data, so an embedded zero would truncate
// it), used as the handshake scramble challenge.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	for i := range salt {
		if salt[i] == 0 {
			salt[i] = 1
		}
	}
	return salt, nil
}

// NativePasswordScramble computes the mysql_native_password response:
// SHA1(password) XOR SHA1(salt || SHA1(SHA1(password))).
func NativePasswordScramble(password, salt []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	h1 := sha1.Sum(password) //nolint:gosec
	h2 := sha1.Sum(h1[:])    //nolint:gosec
	h := sha1.New()          //nolint:gosec
	h.Write(salt)
	h.Write(h2[:])
	h3 := h.Sum(nil)

	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// CachingSHA2Scramble computes the caching_sha2_password scramble:
// SHA256(password) XOR SHA256(SHA256(SHA256(password)) || salt).
func CachingSHA2Scramble(password, salt []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	h1 := sha256.Sum256(password)
	h2 := sha256.Sum256(h1[:])
	h := sha256.New()
	h.Write(h2[:])
	h.Write(salt)
	h3 := h.Sum(nil)

	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// VerifyNativePassword checks a client's scrambled response against the
// plaintext password this proxy holds for the user.
func VerifyNativePassword(password, salt, response []byte) bool {
	expected := NativePasswordScramble(password, salt)
	return constantTimeEqual(expected, response)
}

// VerifyCachingSHA2 checks a client's scrambled response for
// caching_sha2_password, the "fast_auth" path.
func VerifyCachingSHA2(password, salt, response []byte) bool {
	expected := CachingSHA2Scramble(password, salt)
	return constantTimeEqual(expected, response)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
