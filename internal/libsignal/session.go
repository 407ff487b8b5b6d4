package libsignal

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

const (
	// maxClosedSessions is how many superseded entries a record keeps for late decrypts.
	maxClosedSessions = 40
	// maxReceivingChains is how many receiving chains an entry keeps.
	maxReceivingChains = 5
)

// BaseKeyType records which side generated a session's base key.
type BaseKeyType int

const (
	BaseKeyOurs BaseKeyType = iota + 1
	BaseKeyTheirs
)

// ChainType distinguishes our sending chain from receiving chains.
type ChainType int

const (
	ChainSending ChainType = iota + 1
	ChainReceiving
)

// SessionState is the lifecycle position of a session entry.
type SessionState int

const (
	// SessionPending: built but not yet confirmed by a decrypt.
	SessionPending SessionState = iota + 1
	SessionActive
	// SessionSuperseded: closed, kept read-only for late messages.
	SessionSuperseded
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionActive:
		return "active"
	case SessionSuperseded:
		return "superseded"
	}
	return "unknown"
}

// Chain is one ratchet chain, identified by the ratchet public key it was
// derived for.
type Chain struct {
	RatchetKey  []byte
	Type        ChainType
	ChainKey    ChainKey
	MessageKeys MessageKeyCache
}

// Ratchet is the asymmetric ratchet position of a session entry.
type Ratchet struct {
	EphemeralPublic        []byte
	EphemeralPrivate       []byte
	LastRemoteEphemeralKey []byte
	// PreviousCounter is the number of messages sent on the previous sending chain.
	PreviousCounter uint32
	RootKey         []byte
}

// EphemeralKeyPair decodes the local ratchet key pair.
func (r *Ratchet) EphemeralKeyPair() (*KeyPair, error) {
	return keyPairFromBytes(r.EphemeralPublic, r.EphemeralPrivate)
}

func (r *Ratchet) setEphemeral(kp *KeyPair) {
	r.EphemeralPublic = kp.PublicKey.Serialize()
	r.EphemeralPrivate = kp.PrivateKey.Serialize()
}

// IndexInfo holds bookkeeping about a session entry. Times are unix
// milliseconds; Closed is zero while the entry is open.
type IndexInfo struct {
	BaseKey           []byte
	BaseKeyType       BaseKeyType
	Closed            int64
	Used              int64
	Created           int64
	RemoteIdentityKey []byte
}

// PendingPreKey is kept on an outgoing session until the peer replies.
type PendingPreKey struct {
	SignedKeyID uint32
	BaseKey     []byte
	PreKeyID    *uint32
}

// SessionEntry is one double ratchet session with a peer.
type SessionEntry struct {
	RegistrationID   uint32
	LocalIdentityKey []byte
	CurrentRatchet   Ratchet
	IndexInfo        IndexInfo
	PendingPreKey    *PendingPreKey
	Chains           []*Chain
}

// State reports where the entry is in its lifecycle.
func (s *SessionEntry) State() SessionState {
	switch {
	case s.IndexInfo.Closed != 0:
		return SessionSuperseded
	case s.PendingPreKey != nil:
		return SessionPending
	}
	return SessionActive
}

// Chain returns the chain for a ratchet public key, or nil.
func (s *SessionEntry) Chain(ratchetKey []byte) *Chain {
	for _, c := range s.Chains {
		if bytes.Equal(c.RatchetKey, ratchetKey) {
			return c
		}
	}
	return nil
}

// SendingChain returns the chain for our current ratchet key.
func (s *SessionEntry) SendingChain() *Chain {
	c := s.Chain(s.CurrentRatchet.EphemeralPublic)
	if c == nil || c.Type != ChainSending {
		return nil
	}
	return c
}

func (s *SessionEntry) addChain(c *Chain) {
	s.Chains = append(s.Chains, c)
	var receiving int
	for _, c := range s.Chains {
		if c.Type == ChainReceiving {
			receiving++
		}
	}
	for receiving > maxReceivingChains {
		i := slices.IndexFunc(s.Chains, func(c *Chain) bool { return c.Type == ChainReceiving })
		s.Chains = slices.Delete(s.Chains, i, i+1)
		receiving--
	}
}

func (s *SessionEntry) deleteChain(ratchetKey []byte) {
	s.Chains = slices.DeleteFunc(s.Chains, func(c *Chain) bool {
		return bytes.Equal(c.RatchetKey, ratchetKey)
	})
}

func (s *SessionEntry) clone() (*SessionEntry, error) {
	data, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone session: %w", err)
	}
	var out SessionEntry
	if err := cbor.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone session: %w", err)
	}
	return &out, nil
}

// SessionRecord holds every session entry with one address, newest first.
// At most one entry is open.
type SessionRecord struct {
	Sessions []*SessionEntry
}

// NewSessionRecord returns an empty record.
func NewSessionRecord() *SessionRecord {
	return &SessionRecord{}
}

// DeserializeSessionRecord decodes a record produced by Serialize.
func DeserializeSessionRecord(data []byte) (*SessionRecord, error) {
	var r SessionRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("deserialize session record: %w", err)
	}
	return &r, nil
}

// Serialize encodes the record for storage.
func (r *SessionRecord) Serialize() ([]byte, error) {
	data, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("serialize session record: %w", err)
	}
	return data, nil
}

// OpenSession returns the open entry, or nil.
func (r *SessionRecord) OpenSession() *SessionEntry {
	for _, s := range r.Sessions {
		if s.IndexInfo.Closed == 0 {
			return s
		}
	}
	return nil
}

// HaveOpenSession reports whether the record has an open entry with a
// sending chain.
func (r *SessionRecord) HaveOpenSession() bool {
	s := r.OpenSession()
	return s != nil && s.SendingChain() != nil
}

// SessionForBaseKey returns the entry created from baseKey, or nil.
func (r *SessionRecord) SessionForBaseKey(baseKey []byte) *SessionEntry {
	for _, s := range r.Sessions {
		if bytes.Equal(s.IndexInfo.BaseKey, baseKey) {
			return s
		}
	}
	return nil
}

// RemoteRegistrationID returns the registration ID of the open entry.
func (r *SessionRecord) RemoteRegistrationID() (uint32, error) {
	s := r.OpenSession()
	if s == nil {
		return 0, ErrNoOpenSession
	}
	return s.RegistrationID, nil
}

// ArchiveCurrentState closes the open entry, if any, at time now (unix ms).
func (r *SessionRecord) ArchiveCurrentState(now int64) {
	if s := r.OpenSession(); s != nil {
		s.IndexInfo.Closed = now
	}
	r.removeOldSessions()
}

// addSession closes the open entry and puts s in front.
func (r *SessionRecord) addSession(s *SessionEntry, now int64) {
	if open := r.OpenSession(); open != nil {
		open.IndexInfo.Closed = now
	}
	r.Sessions = slices.Insert(r.Sessions, 0, s)
	r.removeOldSessions()
}

// replace swaps the entry old for its updated copy.
func (r *SessionRecord) replace(old, updated *SessionEntry) {
	for i, s := range r.Sessions {
		if s == old {
			r.Sessions[i] = updated
			return
		}
	}
}

// removeOldSessions drops the oldest closed entries beyond maxClosedSessions.
func (r *SessionRecord) removeOldSessions() {
	for {
		var closed int
		oldest := -1
		for i, s := range r.Sessions {
			if s.IndexInfo.Closed == 0 {
				continue
			}
			closed++
			if oldest < 0 || s.IndexInfo.Closed < r.Sessions[oldest].IndexInfo.Closed {
				oldest = i
			}
		}
		if closed <= maxClosedSessions {
			return
		}
		r.Sessions = slices.Delete(r.Sessions, oldest, oldest+1)
	}
}

// decryptOrder returns the entries in the order a decrypt should try them:
// the open entry first, then closed entries by most recent use.
func (r *SessionRecord) decryptOrder() []*SessionEntry {
	out := slices.Clone(r.Sessions)
	slices.SortStableFunc(out, func(a, b *SessionEntry) int {
		aOpen, bOpen := a.IndexInfo.Closed == 0, b.IndexInfo.Closed == 0
		switch {
		case aOpen && !bOpen:
			return -1
		case bOpen && !aOpen:
			return 1
		case a.IndexInfo.Used > b.IndexInfo.Used:
			return -1
		case a.IndexInfo.Used < b.IndexInfo.Used:
			return 1
		}
		return 0
	})
	return out
}
