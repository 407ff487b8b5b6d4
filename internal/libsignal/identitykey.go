package libsignal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// IdentityKeyPair holds a public/private key pair used as a long-term identity.
type IdentityKeyPair struct {
	PublicKey  *PublicKey
	PrivateKey *PrivateKey
}

// GenerateIdentityKeyPair creates a new random identity key pair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey}, nil
}

type identityKeyPairWire struct {
	Public  []byte `cbor:"1,keyasint"`
	Private []byte `cbor:"2,keyasint"`
}

// Serialize serializes this identity key pair to bytes.
func (kp *IdentityKeyPair) Serialize() ([]byte, error) {
	return cbor.Marshal(identityKeyPairWire{
		Public:  kp.PublicKey.Serialize(),
		Private: kp.PrivateKey.Serialize(),
	})
}

// DeserializeIdentityKeyPair reconstructs an identity key pair from serialized form.
func DeserializeIdentityKeyPair(data []byte) (*IdentityKeyPair, error) {
	var w identityKeyPairWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("deserialize identity key pair: %w", err)
	}
	kp, err := keyPairFromBytes(w.Public, w.Private)
	if err != nil {
		return nil, fmt.Errorf("deserialize identity key pair: %w", err)
	}
	if !kp.PrivateKey.PublicKey().Equals(kp.PublicKey) {
		return nil, fmt.Errorf("deserialize identity key pair: %w: public key does not match", ErrInvalidKey)
	}
	return &IdentityKeyPair{PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey}, nil
}

// KeyPair returns the identity as a plain key pair.
func (kp *IdentityKeyPair) KeyPair() *KeyPair {
	return &KeyPair{PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey}
}
