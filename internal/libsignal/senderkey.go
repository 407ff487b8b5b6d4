package libsignal

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

// maxSenderKeyStates is how many sender key states a record keeps.
const maxSenderKeyStates = 5

// SenderKeyName identifies the sender key one sender uses in one group.
type SenderKeyName struct {
	GroupID string
	Sender  Address
}

// NewSenderKeyName creates a sender key name.
func NewSenderKeyName(groupID string, sender Address) SenderKeyName {
	return SenderKeyName{GroupID: groupID, Sender: sender}
}

// StoreKey renders the name as a store key. Both components are escaped so
// distinct names never share a key.
func (n SenderKeyName) StoreKey() string {
	return url.QueryEscape(n.GroupID) + "::" + url.QueryEscape(n.Sender.Name) + "." +
		fmt.Sprint(n.Sender.DeviceID)
}

func (n SenderKeyName) String() string {
	return n.GroupID + "::" + n.Sender.String()
}

// SenderKeyState is one sender key chain: its id, chain position, signing
// key and the seeds of skipped iterations. SigningPrivate is only set on
// our own sending state.
type SenderKeyState struct {
	KeyID          uint32
	ChainKey       ChainKey
	SigningPublic  []byte
	SigningPrivate []byte
	MessageKeys    MessageKeyCache
}

// SigningKey decodes the state's public signing key.
func (s *SenderKeyState) SigningKey() (*PublicKey, error) {
	return DeserializePublicKey(s.SigningPublic)
}

// SenderKeyRecord holds the sender key states of one sender in one group,
// newest first.
type SenderKeyRecord struct {
	States []*SenderKeyState
}

// NewSenderKeyRecord returns an empty record.
func NewSenderKeyRecord() *SenderKeyRecord {
	return &SenderKeyRecord{}
}

// DeserializeSenderKeyRecord decodes a record produced by Serialize.
func DeserializeSenderKeyRecord(data []byte) (*SenderKeyRecord, error) {
	var r SenderKeyRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("deserialize sender key record: %w", err)
	}
	return &r, nil
}

// Serialize encodes the record for storage.
func (r *SenderKeyRecord) Serialize() ([]byte, error) {
	data, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("serialize sender key record: %w", err)
	}
	return data, nil
}

// IsEmpty reports whether the record has no states.
func (r *SenderKeyRecord) IsEmpty() bool { return len(r.States) == 0 }

// State returns the newest state with keyID, or nil.
func (r *SenderKeyRecord) State(keyID uint32) *SenderKeyState {
	for _, s := range r.States {
		if s.KeyID == keyID {
			return s
		}
	}
	return nil
}

// CurrentState returns the newest state, or nil.
func (r *SenderKeyRecord) CurrentState() *SenderKeyState {
	if len(r.States) == 0 {
		return nil
	}
	return r.States[0]
}

// AddState puts a new state with an empty key cache in front and drops
// the oldest states beyond the cap. It does not deduplicate.
func (r *SenderKeyRecord) AddState(keyID, iteration uint32, chainKey []byte, signingKey *PublicKey) {
	r.States = slices.Insert(r.States, 0, &SenderKeyState{
		KeyID:         keyID,
		ChainKey:      ChainKey{Index: iteration, Key: append([]byte(nil), chainKey...)},
		SigningPublic: signingKey.Serialize(),
	})
	if len(r.States) > maxSenderKeyStates {
		r.States = r.States[:maxSenderKeyStates]
	}
}

// SetState replaces every state with our own sending state.
func (r *SenderKeyRecord) SetState(keyID, iteration uint32, chainKey []byte, signing *KeyPair) {
	r.States = []*SenderKeyState{{
		KeyID:          keyID,
		ChainKey:       ChainKey{Index: iteration, Key: append([]byte(nil), chainKey...)},
		SigningPublic:  signing.PublicKey.Serialize(),
		SigningPrivate: signing.PrivateKey.Serialize(),
	}}
}
