package libsignal

import (
	"context"
	"fmt"

	"github.com/gwillem/signal-session/internal/signalcrypto"
)

// SessionCipher encrypts and decrypts pairwise messages with one address.
type SessionCipher struct {
	p    *Protocol
	addr Address
}

// Encrypt encrypts plaintext on the open session. While the session is
// still unconfirmed the result is a PreKeySignalMessage, otherwise a
// SignalMessage.
func (c *SessionCipher) Encrypt(ctx context.Context, plaintext []byte) (CiphertextMessage, error) {
	var out CiphertextMessage
	err := c.p.queue.Do(ctx, sessionQueueKey(c.addr), func(ctx context.Context) error {
		var err error
		out, err = c.encrypt(ctx, plaintext)
		return err
	})
	return out, err
}

func (c *SessionCipher) encrypt(ctx context.Context, plaintext []byte) (CiphertextMessage, error) {
	record, err := LoadSession(ctx, c.p.store, c.addr)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.addr)
	}
	session := record.OpenSession()
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOpenSession, c.addr)
	}
	remoteIdentity, err := DeserializePublicKey(session.IndexInfo.RemoteIdentityKey)
	if err != nil {
		return nil, err
	}
	trusted, err := IsTrustedIdentity(ctx, c.p.store, c.addr, remoteIdentity)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIdentity, c.addr)
	}
	chain := session.SendingChain()
	if chain == nil {
		return nil, fmt.Errorf("%w: %s", ErrSendingChainMissing, c.addr)
	}

	counter := chain.ChainKey.Index
	keys, err := DeriveMessageKeys(chain.ChainKey.MessageSeed(), counter)
	if err != nil {
		return nil, err
	}
	chain.ChainKey = chain.ChainKey.Next()

	ciphertext, err := signalcrypto.EncryptAESCBC(keys.CipherKey, keys.IV, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s: %w", c.addr, err)
	}
	ratchetKey, err := DeserializePublicKey(session.CurrentRatchet.EphemeralPublic)
	if err != nil {
		return nil, err
	}
	msg := newSignalMessage(keys.MACKey, ratchetKey, counter, session.CurrentRatchet.PreviousCounter,
		ciphertext, session.LocalIdentityKey, session.IndexInfo.RemoteIdentityKey)

	var out CiphertextMessage = msg
	if pending := session.PendingPreKey; pending != nil {
		registrationID, err := c.p.store.GetLocalRegistrationID(ctx)
		if err != nil {
			return nil, fmt.Errorf("load registration id: %w", err)
		}
		baseKey, err := DeserializePublicKey(pending.BaseKey)
		if err != nil {
			return nil, err
		}
		localIdentity, err := DeserializePublicKey(session.LocalIdentityKey)
		if err != nil {
			return nil, err
		}
		out = newPreKeySignalMessage(registrationID, pending.PreKeyID, pending.SignedKeyID, baseKey, localIdentity, msg)
	}

	if err := storeSession(ctx, c.p.store, c.addr, record, Batch{}); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt parses data as a message of type typ and decrypts it.
func (c *SessionCipher) Decrypt(ctx context.Context, typ MessageType, data []byte) ([]byte, error) {
	switch typ {
	case CiphertextMessageTypePreKey:
		msg, err := DeserializePreKeySignalMessage(data)
		if err != nil {
			return nil, err
		}
		return c.DecryptPreKeyMessage(ctx, msg)
	case CiphertextMessageTypeWhisper:
		msg, err := DeserializeSignalMessage(data)
		if err != nil {
			return nil, err
		}
		return c.DecryptMessage(ctx, msg)
	}
	return nil, fmt.Errorf("%w: cannot decrypt %s message", ErrInvalidMessage, typ)
}

// DecryptPreKeyMessage builds the session announced by msg, unless it
// exists already, and decrypts the enclosed message. The consumed one-time
// pre-key is deleted in the same store write as the session.
func (c *SessionCipher) DecryptPreKeyMessage(ctx context.Context, msg *PreKeySignalMessage) ([]byte, error) {
	var plaintext []byte
	err := c.p.queue.Do(ctx, sessionQueueKey(c.addr), func(ctx context.Context) error {
		run := func(ctx context.Context) error {
			var err error
			plaintext, err = c.decryptPreKeyMessage(ctx, msg)
			return err
		}
		if msg.PreKeyID == nil {
			return run(ctx)
		}
		// Handshakes from different addresses can name the same one-time
		// pre-key. Its lock is only ever taken inside a session lock.
		return c.p.queue.Do(ctx, preKeyQueueKey(*msg.PreKeyID), run)
	})
	return plaintext, err
}

func (c *SessionCipher) decryptPreKeyMessage(ctx context.Context, msg *PreKeySignalMessage) ([]byte, error) {
	record, err := LoadSession(ctx, c.p.store, c.addr)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = NewSessionRecord()
	}
	preKeyID, err := c.p.SessionBuilder(c.addr).processPreKeyMessage(ctx, record, msg)
	if err != nil {
		return nil, err
	}
	session := record.SessionForBaseKey(msg.BaseKey.Serialize())
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.addr)
	}
	plaintext, err := c.decryptWithSession(session, msg.Message)
	if err != nil {
		return nil, fmt.Errorf("decrypt pre-key message from %s: %w", c.addr, err)
	}
	if session.IndexInfo.Closed != 0 {
		logf(c.p.logger, "decrypted pre-key message from %s with closed session", c.addr)
	}
	session.IndexInfo.Used = c.p.nowMillis()

	batch := Batch{}
	batch.Put(RecordIdentity, c.addr.String(), msg.IdentityKey.Serialize())
	if preKeyID != nil {
		batch.Delete(RecordPreKey, preKeyKey(*preKeyID))
	}
	if err := storeSession(ctx, c.p.store, c.addr, record, batch); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// DecryptMessage decrypts a SignalMessage with whichever session entry it
// belongs to. Entries are tried on private copies; only the copy that
// decrypts is written back.
func (c *SessionCipher) DecryptMessage(ctx context.Context, msg *SignalMessage) ([]byte, error) {
	var plaintext []byte
	err := c.p.queue.Do(ctx, sessionQueueKey(c.addr), func(ctx context.Context) error {
		var err error
		plaintext, err = c.decryptMessage(ctx, msg)
		return err
	})
	return plaintext, err
}

func (c *SessionCipher) decryptMessage(ctx context.Context, msg *SignalMessage) ([]byte, error) {
	record, err := LoadSession(ctx, c.p.store, c.addr)
	if err != nil {
		return nil, err
	}
	if record == nil || len(record.Sessions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, c.addr)
	}

	ratchetKey := msg.SenderRatchetKey.Serialize()
	var firstErr, ownerErr error
	for _, entry := range record.decryptOrder() {
		attempt, err := entry.clone()
		if err != nil {
			return nil, err
		}
		plaintext, err := c.decryptWithSession(attempt, msg)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if ownerErr == nil && entry.Chain(ratchetKey) != nil {
				ownerErr = err
			}
			continue
		}

		remoteIdentity, err := DeserializePublicKey(attempt.IndexInfo.RemoteIdentityKey)
		if err != nil {
			return nil, err
		}
		trusted, err := IsTrustedIdentity(ctx, c.p.store, c.addr, remoteIdentity)
		if err != nil {
			return nil, err
		}
		if !trusted {
			return nil, fmt.Errorf("%w: %s", ErrUntrustedIdentity, c.addr)
		}
		if attempt.IndexInfo.Closed != 0 {
			logf(c.p.logger, "decrypted message from %s with closed session", c.addr)
		}
		attempt.IndexInfo.Used = c.p.nowMillis()
		record.replace(entry, attempt)
		if err := storeSession(ctx, c.p.store, c.addr, record, Batch{}); err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	err = ownerErr
	if err == nil {
		err = firstErr
	}
	logf(c.p.logger, "no session with %s decrypts message (%d tried): %v", c.addr, len(record.Sessions), err)
	return nil, fmt.Errorf("decrypt message from %s: %w", c.addr, err)
}

// decryptWithSession decrypts msg against session, mutating it.
func (c *SessionCipher) decryptWithSession(session *SessionEntry, msg *SignalMessage) ([]byte, error) {
	if err := maybeStepRatchet(session, msg.SenderRatchetKey, msg.PreviousCounter); err != nil {
		return nil, err
	}
	chain := session.Chain(msg.SenderRatchetKey.Serialize())
	if chain == nil || chain.Type != ChainReceiving {
		return nil, fmt.Errorf("%w: message on a sending chain", ErrInvalidMessage)
	}
	seed, err := resolveMessageSeed(&chain.ChainKey, &chain.MessageKeys, msg.Counter)
	if err != nil {
		return nil, err
	}
	keys, err := DeriveMessageKeys(seed, msg.Counter)
	if err != nil {
		return nil, err
	}
	if err := msg.VerifyMAC(keys.MACKey, session.IndexInfo.RemoteIdentityKey, session.LocalIdentityKey); err != nil {
		return nil, err
	}
	plaintext, err := signalcrypto.DecryptAESCBC(keys.CipherKey, keys.IV, msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	session.PendingPreKey = nil
	return plaintext, nil
}

// maybeStepRatchet performs a DH ratchet step when remote is a ratchet key
// the session has no chain for yet.
func maybeStepRatchet(session *SessionEntry, remote *PublicKey, previousCounter uint32) error {
	remoteKey := remote.Serialize()
	if session.Chain(remoteKey) != nil {
		return nil
	}
	r := &session.CurrentRatchet
	if prev := session.Chain(r.LastRemoteEphemeralKey); prev != nil && prev.Type == ChainReceiving {
		if err := fillMessageKeys(&prev.ChainKey, &prev.MessageKeys, previousCounter); err != nil {
			return err
		}
		prev.ChainKey.Key = nil
	}
	if err := session.stepChain(remote, ChainReceiving); err != nil {
		return err
	}
	if sending := session.Chain(r.EphemeralPublic); sending != nil && sending.Type == ChainSending {
		r.PreviousCounter = sending.ChainKey.Index
		session.deleteChain(r.EphemeralPublic)
	}
	next, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	r.setEphemeral(next)
	if err := session.stepChain(remote, ChainSending); err != nil {
		return err
	}
	r.LastRemoteEphemeralKey = remoteKey
	return nil
}

// HasOpenSession reports whether an open session with a sending chain exists.
func (c *SessionCipher) HasOpenSession(ctx context.Context) (bool, error) {
	record, err := LoadSession(ctx, c.p.store, c.addr)
	if err != nil || record == nil {
		return false, err
	}
	return record.HaveOpenSession(), nil
}

// RemoteRegistrationID returns the peer's registration ID from the open session.
func (c *SessionCipher) RemoteRegistrationID(ctx context.Context) (uint32, error) {
	record, err := LoadSession(ctx, c.p.store, c.addr)
	if err != nil {
		return 0, err
	}
	if record == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoSession, c.addr)
	}
	return record.RemoteRegistrationID()
}

// CloseOpenSession closes the open session. Closed sessions still decrypt
// late messages.
func (c *SessionCipher) CloseOpenSession(ctx context.Context) error {
	return c.p.queue.Do(ctx, sessionQueueKey(c.addr), func(ctx context.Context) error {
		record, err := LoadSession(ctx, c.p.store, c.addr)
		if err != nil || record == nil {
			return err
		}
		record.ArchiveCurrentState(c.p.nowMillis())
		return storeSession(ctx, c.p.store, c.addr, record, Batch{})
	})
}

// DeleteSession removes every session with the address.
func (c *SessionCipher) DeleteSession(ctx context.Context) error {
	return c.p.queue.Do(ctx, sessionQueueKey(c.addr), func(ctx context.Context) error {
		batch := Batch{}
		batch.Delete(RecordSession, c.addr.String())
		return c.p.store.Set(ctx, batch)
	})
}
