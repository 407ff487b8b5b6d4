package libsignal

import (
	"crypto/subtle"
	"fmt"
)

// DjbType is the key type prefix of a serialized Curve25519 public key.
const DjbType = 0x05

const (
	curveKeySize = 32
	// PublicKeySize is the size of a serialized public key including the type byte.
	PublicKeySize = curveKeySize + 1
)

// PublicKey is a Curve25519 public key.
type PublicKey struct {
	key [curveKeySize]byte
}

// DeserializePublicKey parses a 33-byte type-prefixed public key. A bare
// 32-byte key is accepted as well.
func DeserializePublicKey(data []byte) (*PublicKey, error) {
	var k PublicKey
	switch {
	case len(data) == PublicKeySize && data[0] == DjbType:
		copy(k.key[:], data[1:])
	case len(data) == curveKeySize:
		copy(k.key[:], data)
	case len(data) == PublicKeySize:
		return nil, fmt.Errorf("%w: unknown public key type 0x%02x", ErrInvalidKey, data[0])
	default:
		return nil, fmt.Errorf("%w: public key length %d", ErrInvalidKey, len(data))
	}
	return &k, nil
}

// Serialize returns the 33-byte type-prefixed form of the key.
func (k *PublicKey) Serialize() []byte {
	out := make([]byte, PublicKeySize)
	out[0] = DjbType
	copy(out[1:], k.key[:])
	return out
}

// Bytes returns the raw 32-byte Montgomery u-coordinate.
func (k *PublicKey) Bytes() []byte {
	return append([]byte(nil), k.key[:]...)
}

// Equals reports whether both keys are identical, in constant time.
func (k *PublicKey) Equals(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return subtle.ConstantTimeCompare(k.key[:], other.key[:]) == 1
}

// Verify checks an XEdDSA signature over message made with the matching private key.
func (k *PublicKey) Verify(message, signature []byte) bool {
	return xeddsaVerify(k.key, message, signature)
}

// String returns a short hex fingerprint for logs.
func (k *PublicKey) String() string {
	return fmt.Sprintf("%x", k.key[:6])
}
