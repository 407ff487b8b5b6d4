package libsignal

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gwillem/signal-session/internal/signalcrypto"
)

// SessionBuilder establishes pairwise sessions with one address.
type SessionBuilder struct {
	p    *Protocol
	addr Address
}

// ProcessPreKeyBundle starts a new outgoing session from a peer's published
// bundle. The open session, if any, is closed. Messages encrypted on the new
// session are sent as PreKeySignalMessages until the peer replies.
func (b *SessionBuilder) ProcessPreKeyBundle(ctx context.Context, bundle *PreKeyBundle) error {
	return b.p.queue.Do(ctx, sessionQueueKey(b.addr), func(ctx context.Context) error {
		return b.processPreKeyBundle(ctx, bundle)
	})
}

func (b *SessionBuilder) processPreKeyBundle(ctx context.Context, bundle *PreKeyBundle) error {
	if err := bundle.VerifySignature(); err != nil {
		return fmt.Errorf("process pre-key bundle for %s: %w", b.addr, err)
	}
	if err := b.checkTrust(ctx, bundle.IdentityKey); err != nil {
		return err
	}
	ourIdentity, err := b.p.store.GetIdentityKeyPair(ctx)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	baseKey, err := GenerateKeyPair()
	if err != nil {
		return err
	}

	dhs, err := agree(
		agreement{ourIdentity.PrivateKey, bundle.SignedPreKey},
		agreement{baseKey.PrivateKey, bundle.IdentityKey},
		agreement{baseKey.PrivateKey, bundle.SignedPreKey},
	)
	if err != nil {
		return err
	}
	var preKeyID *uint32
	if bundle.PreKey != nil {
		dh4, err := baseKey.PrivateKey.Agree(bundle.PreKey)
		if err != nil {
			return err
		}
		dhs = append(dhs, dh4)
		id := bundle.PreKeyID
		preKeyID = &id
	}
	rootKey, err := deriveInitialRootKey(dhs)
	if err != nil {
		return err
	}

	now := b.p.nowMillis()
	entry := &SessionEntry{
		RegistrationID:   bundle.RegistrationID,
		LocalIdentityKey: ourIdentity.PublicKey.Serialize(),
		CurrentRatchet: Ratchet{
			LastRemoteEphemeralKey: bundle.SignedPreKey.Serialize(),
			RootKey:                rootKey,
		},
		IndexInfo: IndexInfo{
			BaseKey:           baseKey.PublicKey.Serialize(),
			BaseKeyType:       BaseKeyOurs,
			Used:              now,
			Created:           now,
			RemoteIdentityKey: bundle.IdentityKey.Serialize(),
		},
		PendingPreKey: &PendingPreKey{
			SignedKeyID: bundle.SignedPreKeyID,
			BaseKey:     baseKey.PublicKey.Serialize(),
			PreKeyID:    preKeyID,
		},
	}
	sendingKey, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	entry.CurrentRatchet.setEphemeral(sendingKey)
	if err := entry.stepChain(bundle.SignedPreKey, ChainSending); err != nil {
		return err
	}

	record, err := LoadSession(ctx, b.p.store, b.addr)
	if err != nil {
		return err
	}
	if record == nil {
		record = NewSessionRecord()
	} else if record.OpenSession() != nil {
		logf(b.p.logger, "closing open session with %s for new pre-key bundle", b.addr)
	}
	record.addSession(entry, now)

	batch := Batch{}
	batch.Put(RecordIdentity, b.addr.String(), bundle.IdentityKey.Serialize())
	return storeSession(ctx, b.p.store, b.addr, record, batch)
}

// processPreKeyMessage builds the session an incoming pre-key message
// announces into record. It returns the one-time pre-key ID the message
// consumed, or nil when none was used or the session already existed.
func (b *SessionBuilder) processPreKeyMessage(ctx context.Context, record *SessionRecord, msg *PreKeySignalMessage) (*uint32, error) {
	if err := b.checkTrust(ctx, msg.IdentityKey); err != nil {
		return nil, err
	}
	baseKey := msg.BaseKey.Serialize()
	if record.SessionForBaseKey(baseKey) != nil {
		// Already built from an earlier message with this base key; we just haven't replied yet.
		return nil, nil
	}

	var oneTime *PreKeyRecord
	if msg.PreKeyID != nil {
		var err error
		oneTime, err = LoadPreKey(ctx, b.p.store, *msg.PreKeyID)
		if err != nil {
			return nil, err
		}
		if oneTime == nil {
			return nil, fmt.Errorf("%w: id %d from %s", ErrStalePreKey, *msg.PreKeyID, b.addr)
		}
	}
	signed, err := LoadSignedPreKey(ctx, b.p.store, msg.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if signed == nil {
		return nil, fmt.Errorf("%w: id %d from %s", ErrStaleSignedPreKey, msg.SignedPreKeyID, b.addr)
	}
	ourIdentity, err := b.p.store.GetIdentityKeyPair(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	dhs, err := agree(
		agreement{signed.PrivateKey(), msg.IdentityKey},
		agreement{ourIdentity.PrivateKey, msg.BaseKey},
		agreement{signed.PrivateKey(), msg.BaseKey},
	)
	if err != nil {
		return nil, err
	}
	if oneTime != nil {
		dh4, err := oneTime.PrivateKey().Agree(msg.BaseKey)
		if err != nil {
			return nil, err
		}
		dhs = append(dhs, dh4)
	}
	rootKey, err := deriveInitialRootKey(dhs)
	if err != nil {
		return nil, err
	}

	now := b.p.nowMillis()
	entry := &SessionEntry{
		RegistrationID:   msg.RegistrationID,
		LocalIdentityKey: ourIdentity.PublicKey.Serialize(),
		CurrentRatchet: Ratchet{
			LastRemoteEphemeralKey: baseKey,
			RootKey:                rootKey,
		},
		IndexInfo: IndexInfo{
			BaseKey:           baseKey,
			BaseKeyType:       BaseKeyTheirs,
			Used:              now,
			Created:           now,
			RemoteIdentityKey: msg.IdentityKey.Serialize(),
		},
	}
	entry.CurrentRatchet.setEphemeral(&KeyPair{PublicKey: signed.PublicKey(), PrivateKey: signed.PrivateKey()})

	if record.OpenSession() != nil {
		logf(b.p.logger, "closing open session with %s in favor of incoming pre-key message", b.addr)
	}
	record.addSession(entry, now)
	return msg.PreKeyID, nil
}

func (b *SessionBuilder) checkTrust(ctx context.Context, key *PublicKey) error {
	trusted, err := IsTrustedIdentity(ctx, b.p.store, b.addr, key)
	if err != nil {
		return err
	}
	if !trusted {
		return fmt.Errorf("%w: %s", ErrUntrustedIdentity, b.addr)
	}
	return nil
}

type agreement struct {
	ours   *PrivateKey
	theirs *PublicKey
}

// agree computes the X25519 agreement of each pair, in order.
func agree(pairs ...agreement) ([][]byte, error) {
	out := make([][]byte, 0, len(pairs)+1)
	for _, p := range pairs {
		secret, err := p.ours.Agree(p.theirs)
		if err != nil {
			return nil, err
		}
		out = append(out, secret)
	}
	return out, nil
}

// deriveInitialRootKey derives the first root key from the X3DH agreements.
func deriveInitialRootKey(dhs [][]byte) ([]byte, error) {
	master := bytes.Repeat([]byte{0xFF}, 32)
	for _, dh := range dhs {
		master = append(master, dh...)
	}
	chunks, err := signalcrypto.DeriveSecrets(master, nil, whisperTextInfo, 2)
	if err != nil {
		return nil, fmt.Errorf("derive root key: %w", err)
	}
	return chunks[0], nil
}

// stepChain runs the root key KDF over the agreement between our current
// ratchet key and remote and adds the resulting chain.
func (s *SessionEntry) stepChain(remote *PublicKey, typ ChainType) error {
	ours, err := s.CurrentRatchet.EphemeralKeyPair()
	if err != nil {
		return err
	}
	shared, err := ours.PrivateKey.Agree(remote)
	if err != nil {
		return err
	}
	rootKey, chainKey, err := rootKeyStep(s.CurrentRatchet.RootKey, shared)
	if err != nil {
		return err
	}
	ratchetKey := remote.Serialize()
	if typ == ChainSending {
		ratchetKey = ours.PublicKey.Serialize()
	}
	s.addChain(&Chain{RatchetKey: ratchetKey, Type: typ, ChainKey: ChainKey{Key: chainKey}})
	s.CurrentRatchet.RootKey = rootKey
	return nil
}

func storeSession(ctx context.Context, store KeyStore, addr Address, record *SessionRecord, batch Batch) error {
	data, err := record.Serialize()
	if err != nil {
		return err
	}
	batch.Put(RecordSession, addr.String(), data)
	if err := store.Set(ctx, batch); err != nil {
		return fmt.Errorf("store session %s: %w", addr, err)
	}
	return nil
}
