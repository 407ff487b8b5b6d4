package libsignal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// PreKeyRecord is a one-time pre-key held locally until a peer consumes it.
type PreKeyRecord struct {
	id      uint32
	keyPair *KeyPair
}

type preKeyWire struct {
	ID      uint32 `cbor:"1,keyasint"`
	Public  []byte `cbor:"2,keyasint"`
	Private []byte `cbor:"3,keyasint"`
}

// NewPreKeyRecord creates a new pre-key record from an ID and key pair.
func NewPreKeyRecord(id uint32, pub *PublicKey, priv *PrivateKey) *PreKeyRecord {
	return &PreKeyRecord{id: id, keyPair: &KeyPair{PublicKey: pub, PrivateKey: priv}}
}

// DeserializePreKeyRecord reconstructs a pre-key record from serialized form.
func DeserializePreKeyRecord(data []byte) (*PreKeyRecord, error) {
	var w preKeyWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("deserialize pre-key: %w", err)
	}
	kp, err := keyPairFromBytes(w.Public, w.Private)
	if err != nil {
		return nil, fmt.Errorf("deserialize pre-key: %w", err)
	}
	return &PreKeyRecord{id: w.ID, keyPair: kp}, nil
}

// Serialize serializes the record to bytes.
func (r *PreKeyRecord) Serialize() ([]byte, error) {
	return cbor.Marshal(preKeyWire{
		ID:      r.id,
		Public:  r.keyPair.PublicKey.Serialize(),
		Private: r.keyPair.PrivateKey.Serialize(),
	})
}

// ID returns the pre-key ID.
func (r *PreKeyRecord) ID() uint32 { return r.id }

// PublicKey returns the public key from this record.
func (r *PreKeyRecord) PublicKey() *PublicKey { return r.keyPair.PublicKey }

// PrivateKey returns the private key from this record.
func (r *PreKeyRecord) PrivateKey() *PrivateKey { return r.keyPair.PrivateKey }

// SignedPreKeyRecord is a medium-term pre-key signed by the identity key.
type SignedPreKeyRecord struct {
	id        uint32
	timestamp uint64
	keyPair   *KeyPair
	signature []byte
}

type signedPreKeyWire struct {
	ID        uint32 `cbor:"1,keyasint"`
	Timestamp uint64 `cbor:"2,keyasint"`
	Public    []byte `cbor:"3,keyasint"`
	Private   []byte `cbor:"4,keyasint"`
	Signature []byte `cbor:"5,keyasint"`
}

// NewSignedPreKeyRecord creates a signed pre-key record. timestamp is unix milliseconds.
func NewSignedPreKeyRecord(id uint32, timestamp uint64, pub *PublicKey, priv *PrivateKey, signature []byte) *SignedPreKeyRecord {
	return &SignedPreKeyRecord{
		id:        id,
		timestamp: timestamp,
		keyPair:   &KeyPair{PublicKey: pub, PrivateKey: priv},
		signature: append([]byte(nil), signature...),
	}
}

// DeserializeSignedPreKeyRecord reconstructs a signed pre-key record.
func DeserializeSignedPreKeyRecord(data []byte) (*SignedPreKeyRecord, error) {
	var w signedPreKeyWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("deserialize signed pre-key: %w", err)
	}
	kp, err := keyPairFromBytes(w.Public, w.Private)
	if err != nil {
		return nil, fmt.Errorf("deserialize signed pre-key: %w", err)
	}
	return &SignedPreKeyRecord{id: w.ID, timestamp: w.Timestamp, keyPair: kp, signature: w.Signature}, nil
}

// Serialize serializes the record to bytes.
func (r *SignedPreKeyRecord) Serialize() ([]byte, error) {
	return cbor.Marshal(signedPreKeyWire{
		ID:        r.id,
		Timestamp: r.timestamp,
		Public:    r.keyPair.PublicKey.Serialize(),
		Private:   r.keyPair.PrivateKey.Serialize(),
		Signature: r.signature,
	})
}

func (r *SignedPreKeyRecord) ID() uint32            { return r.id }
func (r *SignedPreKeyRecord) Timestamp() uint64     { return r.timestamp }
func (r *SignedPreKeyRecord) PublicKey() *PublicKey { return r.keyPair.PublicKey }
func (r *SignedPreKeyRecord) PrivateKey() *PrivateKey {
	return r.keyPair.PrivateKey
}
func (r *SignedPreKeyRecord) Signature() []byte { return r.signature }
