package libsignal

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// PrivateKey is a clamped Curve25519 private key.
type PrivateKey struct {
	key [curveKeySize]byte
}

// GeneratePrivateKey generates a new random private key.
func GeneratePrivateKey() (*PrivateKey, error) {
	var k PrivateKey
	if _, err := io.ReadFull(rand.Reader, k.key[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	clamp(&k.key)
	return &k, nil
}

// DeserializePrivateKey reconstructs a private key from its 32-byte form.
func DeserializePrivateKey(data []byte) (*PrivateKey, error) {
	if len(data) != curveKeySize {
		return nil, fmt.Errorf("%w: private key length %d", ErrInvalidKey, len(data))
	}
	var k PrivateKey
	copy(k.key[:], data)
	clamp(&k.key)
	return &k, nil
}

// Serialize returns the 32-byte serialized form of the private key.
func (k *PrivateKey) Serialize() []byte {
	return append([]byte(nil), k.key[:]...)
}

// PublicKey derives the matching public key.
func (k *PrivateKey) PublicKey() *PublicKey {
	var pub PublicKey
	u, err := curve25519.X25519(k.key[:], curve25519.Basepoint)
	if err != nil {
		// X25519 with the base point only fails on a wrong-sized scalar.
		panic(err)
	}
	copy(pub.key[:], u)
	return &pub
}

// Agree computes the X25519 shared secret with a remote public key.
func (k *PrivateKey) Agree(pub *PublicKey) ([]byte, error) {
	secret, err := curve25519.X25519(k.key[:], pub.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", ErrInvalidKey, err)
	}
	return secret, nil
}

// Sign produces an XEdDSA signature of message.
func (k *PrivateKey) Sign(message []byte) ([]byte, error) {
	var random [64]byte
	if _, err := io.ReadFull(rand.Reader, random[:]); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return xeddsaSign(k.key, message, random), nil
}

func clamp(k *[curveKeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// KeyPair holds a Curve25519 key pair used for ratchet, base and pre-keys.
type KeyPair struct {
	PublicKey  *PublicKey
	PrivateKey *PrivateKey
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{PublicKey: priv.PublicKey(), PrivateKey: priv}, nil
}

func keyPairFromBytes(pub, priv []byte) (*KeyPair, error) {
	p, err := DeserializePublicKey(pub)
	if err != nil {
		return nil, err
	}
	k, err := DeserializePrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PublicKey: p, PrivateKey: k}, nil
}
