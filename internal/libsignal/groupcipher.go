package libsignal

import (
	"context"
	"fmt"

	"github.com/gwillem/signal-session/internal/signalcrypto"
)

// GroupCipher encrypts and decrypts group messages under one sender key.
type GroupCipher struct {
	p    *Protocol
	name SenderKeyName
}

// Encrypt encrypts plaintext with our newest sender key state and signs
// the result.
func (c *GroupCipher) Encrypt(ctx context.Context, plaintext []byte) (*SenderKeyMessage, error) {
	var out *SenderKeyMessage
	err := c.p.queue.Do(ctx, senderKeyQueueKey(c.name), func(ctx context.Context) error {
		record, err := LoadSenderKey(ctx, c.p.store, c.name)
		if err != nil {
			return err
		}
		if record == nil || record.IsEmpty() {
			return fmt.Errorf("%w: %s", ErrNoSenderKeyRecord, c.name)
		}
		state := record.CurrentState()
		if state.SigningPrivate == nil {
			return fmt.Errorf("%w: %s is not our sender key", ErrInvalidKey, c.name)
		}
		signing, err := DeserializePrivateKey(state.SigningPrivate)
		if err != nil {
			return err
		}

		iteration := state.ChainKey.Index
		key, err := DeriveSenderMessageKey(state.ChainKey.MessageSeed(), iteration)
		if err != nil {
			return err
		}
		state.ChainKey = state.ChainKey.Next()

		ciphertext, err := signalcrypto.EncryptAESCBC(key.CipherKey, key.IV, plaintext)
		if err != nil {
			return fmt.Errorf("encrypt for %s: %w", c.name, err)
		}
		msg, err := newSenderKeyMessage(state.KeyID, iteration, ciphertext, signing)
		if err != nil {
			return err
		}
		if err := storeSenderKey(ctx, c.p.store, c.name, record); err != nil {
			return err
		}
		out = msg
		return nil
	})
	return out, err
}

// Decrypt verifies and decrypts a serialized SenderKeyMessage. The record
// is written back only when decryption succeeds.
func (c *GroupCipher) Decrypt(ctx context.Context, data []byte) ([]byte, error) {
	var plaintext []byte
	err := c.p.queue.Do(ctx, senderKeyQueueKey(c.name), func(ctx context.Context) error {
		var err error
		plaintext, err = c.decrypt(ctx, data)
		return err
	})
	return plaintext, err
}

func (c *GroupCipher) decrypt(ctx context.Context, data []byte) ([]byte, error) {
	record, err := LoadSenderKey(ctx, c.p.store, c.name)
	if err != nil {
		return nil, err
	}
	if record == nil || record.IsEmpty() {
		return nil, fmt.Errorf("%w: %s", ErrNoSenderKeyRecord, c.name)
	}
	msg, err := DeserializeSenderKeyMessage(data)
	if err != nil {
		return nil, err
	}
	state := record.State(msg.KeyID)
	if state == nil {
		return nil, fmt.Errorf("%w: %d for %s", ErrNoStateForKeyID, msg.KeyID, c.name)
	}
	signing, err := state.SigningKey()
	if err != nil {
		return nil, err
	}
	if err := msg.VerifySignature(signing); err != nil {
		return nil, fmt.Errorf("decrypt from %s: %w", c.name, err)
	}

	seed, err := resolveMessageSeed(&state.ChainKey, &state.MessageKeys, msg.Iteration)
	if err != nil {
		return nil, fmt.Errorf("decrypt from %s: %w", c.name, err)
	}
	key, err := DeriveSenderMessageKey(seed, msg.Iteration)
	if err != nil {
		return nil, err
	}
	plaintext, err := signalcrypto.DecryptAESCBC(key.CipherKey, key.IV, msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt from %s: %w: %v", c.name, ErrDecryptionFailed, err)
	}
	if err := storeSenderKey(ctx, c.p.store, c.name, record); err != nil {
		return nil, err
	}
	return plaintext, nil
}
