package libsignal

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// MaxPreKeyID is the largest pre-key ID; IDs wrap around to 1 after it.
const MaxPreKeyID = 0xFFFFFF

// GenerateRegistrationID returns a random registration ID in [1, 16380].
func GenerateRegistrationID() (uint32, error) {
	v, err := randomUint32()
	if err != nil {
		return 0, err
	}
	return v%16380 + 1, nil
}

// GeneratePreKeys creates count one-time pre-keys with consecutive IDs
// starting at start.
func GeneratePreKeys(start uint32, count int) ([]*PreKeyRecord, error) {
	out := make([]*PreKeyRecord, 0, count)
	id := start
	for range count {
		if id == 0 || id > MaxPreKeyID {
			id = 1
		}
		k, err := GeneratePreKey(id)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
		id++
	}
	return out, nil
}

// GeneratePreKey creates one one-time pre-key with the given ID.
func GeneratePreKey(id uint32) (*PreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate pre-key %d: %w", id, err)
	}
	return NewPreKeyRecord(id, kp.PublicKey, kp.PrivateKey), nil
}

// GenerateSignedPreKey creates a signed pre-key with the identity key.
func GenerateSignedPreKey(identity *IdentityKeyPair, id uint32, now time.Time) (*SignedPreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signed pre-key: %w", err)
	}
	sig, err := identity.PrivateKey.Sign(kp.PublicKey.Serialize())
	if err != nil {
		return nil, fmt.Errorf("sign signed pre-key: %w", err)
	}
	return NewSignedPreKeyRecord(id, uint64(now.UnixMilli()), kp.PublicKey, kp.PrivateKey, sig), nil
}

// GenerateSenderKeyID returns a random 31-bit sender key ID.
func GenerateSenderKeyID() (uint32, error) {
	v, err := randomUint32()
	if err != nil {
		return 0, err
	}
	return v & 0x7FFFFFFF, nil
}

// GenerateSenderKey returns a random 32-byte sender chain seed.
func GenerateSenderKey() ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate sender key: %w", err)
	}
	return seed, nil
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("random: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
