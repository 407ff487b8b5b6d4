package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gwillem/signal-session/internal/libsignal"
	"github.com/gwillem/signal-session/internal/store"
)

// GeneratePreKeys stores count new one-time pre-keys and a fresh signed
// pre-key, and returns a bundle advertising the first one-time key.
// IDs come from counters on the account and are never handed out twice
// while a key with that ID is still stored.
func (r *Repository) GeneratePreKeys(ctx context.Context, count int) (*PreKeyBundle, error) {
	if count < 1 {
		return nil, fmt.Errorf("repository: pre-key count must be positive, got %d", count)
	}
	r.keysMu.Lock()
	defer r.keysMu.Unlock()

	acct, err := r.Account()
	if err != nil {
		return nil, err
	}
	identity, err := acct.IdentityKeyPair()
	if err != nil {
		return nil, err
	}

	next := *acct
	if next.NextPreKeyID == 0 {
		if next.NextPreKeyID, err = store.NextPreKeyID(ctx, r.store, libsignal.RecordPreKey); err != nil {
			return nil, fmt.Errorf("repository: next pre-key id: %w", err)
		}
	}
	if next.NextSignedPreKeyID == 0 {
		if next.NextSignedPreKeyID, err = store.NextPreKeyID(ctx, r.store, libsignal.RecordSignedPreKey); err != nil {
			return nil, fmt.Errorf("repository: next signed pre-key id: %w", err)
		}
	}
	ids, nextID, err := store.AllocatePreKeyIDs(ctx, r.store, libsignal.RecordPreKey, next.NextPreKeyID, count)
	if err != nil {
		return nil, fmt.Errorf("repository: allocate pre-key ids: %w", err)
	}
	signedIDs, nextSignedID, err := store.AllocatePreKeyIDs(ctx, r.store, libsignal.RecordSignedPreKey, next.NextSignedPreKeyID, 1)
	if err != nil {
		return nil, fmt.Errorf("repository: allocate signed pre-key id: %w", err)
	}
	next.NextPreKeyID, next.NextSignedPreKeyID = nextID, nextSignedID

	// Reserve the IDs first: a failed key write below only skips them.
	if err := r.store.SaveAccount(&next); err != nil {
		return nil, fmt.Errorf("repository: reserve pre-key ids: %w", err)
	}

	keys := make([]*libsignal.PreKeyRecord, 0, count)
	for _, id := range ids {
		k, err := libsignal.GeneratePreKey(id)
		if err != nil {
			return nil, fmt.Errorf("repository: %w", err)
		}
		keys = append(keys, k)
	}
	signed, err := libsignal.GenerateSignedPreKey(identity, signedIDs[0], r.now())
	if err != nil {
		return nil, fmt.Errorf("repository: generate signed pre-key: %w", err)
	}

	batch := libsignal.Batch{}
	if err := batch.PutPreKeys(keys...); err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	if err := batch.PutSignedPreKey(signed); err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	if err := r.store.Set(ctx, batch); err != nil {
		return nil, fmt.Errorf("repository: store pre-keys: %w", err)
	}
	logf(r.logger, "generated pre-keys start=%d count=%d signed=%d", keys[0].ID(), count, signed.ID())

	return libsignal.NewPreKeyBundle(acct.RegistrationID, acct.DeviceID,
		keys[0].ID(), keys[0].PublicKey(),
		signed.ID(), signed.PublicKey(), signed.Signature(),
		identity.PublicKey), nil
}

// bundleJSON is the exchange format for pre-key bundles. Keys are serialized
// public keys; PreKey is empty when the bundle has no one-time key.
type bundleJSON struct {
	RegistrationID        uint32 `json:"registrationId"`
	DeviceID              uint32 `json:"deviceId"`
	PreKeyID              uint32 `json:"preKeyId,omitempty"`
	PreKey                []byte `json:"preKey,omitempty"`
	SignedPreKeyID        uint32 `json:"signedPreKeyId"`
	SignedPreKey          []byte `json:"signedPreKey"`
	SignedPreKeySignature []byte `json:"signedPreKeySignature"`
	IdentityKey           []byte `json:"identityKey"`
}

// MarshalBundle encodes b as JSON.
func MarshalBundle(b *PreKeyBundle) ([]byte, error) {
	if b.SignedPreKey == nil || b.IdentityKey == nil {
		return nil, fmt.Errorf("signal: incomplete pre-key bundle")
	}
	j := bundleJSON{
		RegistrationID:        b.RegistrationID,
		DeviceID:              b.DeviceID,
		SignedPreKeyID:        b.SignedPreKeyID,
		SignedPreKey:          b.SignedPreKey.Serialize(),
		SignedPreKeySignature: b.SignedPreKeySignature,
		IdentityKey:           b.IdentityKey.Serialize(),
	}
	if b.PreKey != nil {
		j.PreKeyID = b.PreKeyID
		j.PreKey = b.PreKey.Serialize()
	}
	return json.Marshal(j)
}

// UnmarshalBundle decodes a bundle produced by MarshalBundle.
func UnmarshalBundle(data []byte) (*PreKeyBundle, error) {
	var j bundleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("signal: decode bundle: %w", err)
	}
	signed, err := libsignal.DeserializePublicKey(j.SignedPreKey)
	if err != nil {
		return nil, fmt.Errorf("signal: bundle signed pre-key: %w", err)
	}
	identity, err := libsignal.DeserializePublicKey(j.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("signal: bundle identity key: %w", err)
	}
	var preKey *libsignal.PublicKey
	if len(j.PreKey) > 0 {
		if preKey, err = libsignal.DeserializePublicKey(j.PreKey); err != nil {
			return nil, fmt.Errorf("signal: bundle pre-key: %w", err)
		}
	}
	return libsignal.NewPreKeyBundle(j.RegistrationID, j.DeviceID, j.PreKeyID, preKey,
		j.SignedPreKeyID, signed, j.SignedPreKeySignature, identity), nil
}
