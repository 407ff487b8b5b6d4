package libsignal

import (
	"context"
	"fmt"
)

// RecordKind names a family of records in a KeyStore.
type RecordKind string

const (
	RecordSession      RecordKind = "session"
	RecordSenderKey    RecordKind = "sender-key"
	RecordPreKey       RecordKind = "pre-key"
	RecordSignedPreKey RecordKind = "signed-pre-key"
	RecordIdentity     RecordKind = "identity"
)

// RecordKinds lists every kind a KeyStore must accept.
var RecordKinds = []RecordKind{RecordSession, RecordSenderKey, RecordPreKey, RecordSignedPreKey, RecordIdentity}

// KeyStore persists complete records by kind and key. Get omits keys that
// have no record. Set applies the whole batch atomically; a nil value
// deletes the key.
type KeyStore interface {
	Get(ctx context.Context, kind RecordKind, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, batch Batch) error
}

// KeyLister is implemented by stores that can enumerate the keys of a kind.
type KeyLister interface {
	Keys(ctx context.Context, kind RecordKind) ([]string, error)
}

// IdentityStore provides the local identity.
type IdentityStore interface {
	GetIdentityKeyPair(ctx context.Context) (*IdentityKeyPair, error)
	GetLocalRegistrationID(ctx context.Context) (uint32, error)
}

// ProtocolStore is everything the builders and ciphers need.
type ProtocolStore interface {
	KeyStore
	IdentityStore
}

// Batch is a set of writes for KeyStore.Set.
type Batch map[RecordKind]map[string][]byte

// Put records a write of value under kind/key.
func (b Batch) Put(kind RecordKind, key string, value []byte) {
	m, ok := b[kind]
	if !ok {
		m = make(map[string][]byte)
		b[kind] = m
	}
	m[key] = value
}

// Delete records a deletion of kind/key.
func (b Batch) Delete(kind RecordKind, key string) {
	b.Put(kind, key, nil)
}

// Len returns the number of writes in the batch.
func (b Batch) Len() int {
	var n int
	for _, m := range b {
		n += len(m)
	}
	return n
}

func getOne(ctx context.Context, s KeyStore, kind RecordKind, key string) ([]byte, error) {
	m, err := s.Get(ctx, kind, []string{key})
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", kind, key, err)
	}
	return m[key], nil
}

// LoadSession returns the session record for addr, or nil when none exists.
func LoadSession(ctx context.Context, s KeyStore, addr Address) (*SessionRecord, error) {
	data, err := getOne(ctx, s, RecordSession, addr.String())
	if err != nil || data == nil {
		return nil, err
	}
	return DeserializeSessionRecord(data)
}

// LoadSenderKey returns the sender key record for name, or nil when none exists.
func LoadSenderKey(ctx context.Context, s KeyStore, name SenderKeyName) (*SenderKeyRecord, error) {
	data, err := getOne(ctx, s, RecordSenderKey, name.StoreKey())
	if err != nil || data == nil {
		return nil, err
	}
	return DeserializeSenderKeyRecord(data)
}

func preKeyKey(id uint32) string {
	return fmt.Sprintf("%d", id)
}

// LoadPreKey returns the one-time pre-key with id, or nil when absent.
func LoadPreKey(ctx context.Context, s KeyStore, id uint32) (*PreKeyRecord, error) {
	data, err := getOne(ctx, s, RecordPreKey, preKeyKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	return DeserializePreKeyRecord(data)
}

// LoadSignedPreKey returns the signed pre-key with id, or nil when absent.
func LoadSignedPreKey(ctx context.Context, s KeyStore, id uint32) (*SignedPreKeyRecord, error) {
	data, err := getOne(ctx, s, RecordSignedPreKey, preKeyKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	return DeserializeSignedPreKeyRecord(data)
}

// StorePreKeys writes one-time pre-keys in a single batch.
func StorePreKeys(ctx context.Context, s KeyStore, keys ...*PreKeyRecord) error {
	batch := Batch{}
	if err := batch.PutPreKeys(keys...); err != nil {
		return err
	}
	return s.Set(ctx, batch)
}

// StoreSignedPreKey writes a signed pre-key.
func StoreSignedPreKey(ctx context.Context, s KeyStore, key *SignedPreKeyRecord) error {
	batch := Batch{}
	if err := batch.PutSignedPreKey(key); err != nil {
		return err
	}
	return s.Set(ctx, batch)
}

// PutPreKeys adds writes of one-time pre-keys to the batch.
func (b Batch) PutPreKeys(keys ...*PreKeyRecord) error {
	for _, k := range keys {
		data, err := k.Serialize()
		if err != nil {
			return fmt.Errorf("serialize pre-key %d: %w", k.ID(), err)
		}
		b.Put(RecordPreKey, preKeyKey(k.ID()), data)
	}
	return nil
}

// PutSignedPreKey adds a write of a signed pre-key to the batch.
func (b Batch) PutSignedPreKey(key *SignedPreKeyRecord) error {
	data, err := key.Serialize()
	if err != nil {
		return fmt.Errorf("serialize signed pre-key %d: %w", key.ID(), err)
	}
	b.Put(RecordSignedPreKey, preKeyKey(key.ID()), data)
	return nil
}

// LoadIdentity returns the remembered identity key for addr, or nil.
func LoadIdentity(ctx context.Context, s KeyStore, addr Address) (*PublicKey, error) {
	data, err := getOne(ctx, s, RecordIdentity, addr.String())
	if err != nil || data == nil {
		return nil, err
	}
	return DeserializePublicKey(data)
}

// IsTrustedIdentity implements trust on first use: an unknown address is
// trusted, a known one only with the same key.
func IsTrustedIdentity(ctx context.Context, s KeyStore, addr Address, key *PublicKey) (bool, error) {
	known, err := LoadIdentity(ctx, s, addr)
	if err != nil {
		return false, err
	}
	return known == nil || known.Equals(key), nil
}
