// Package signalcrypto holds the symmetric primitives shared by the pairwise
// and group ratchets: HKDF expansion, HMAC, and AES-256-CBC with PKCS7.
package signalcrypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SecretSize is the size of each chunk returned by DeriveSecrets.
const SecretSize = 32

// DeriveSecrets runs HKDF-SHA256 over ikm with the given salt and info and
// returns n consecutive 32-byte chunks. A nil salt means 32 zero bytes.
func DeriveSecrets(ikm, salt, info []byte, n int) ([][]byte, error) {
	if n < 1 {
		return nil, fmt.Errorf("kdf: invalid chunk count %d", n)
	}
	if salt == nil {
		salt = make([]byte, sha256.Size)
	}
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, SecretSize)
		if _, err := io.ReadFull(r, out[i]); err != nil {
			return nil, fmt.Errorf("kdf: expand: %w", err)
		}
	}
	return out, nil
}

// Expand runs HKDF-SHA256 and returns exactly length bytes.
func Expand(ikm, salt, info []byte, length int) ([]byte, error) {
	if salt == nil {
		salt = make([]byte, sha256.Size)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, fmt.Errorf("kdf: expand: %w", err)
	}
	return out, nil
}
