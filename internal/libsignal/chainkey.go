package libsignal

import (
	"fmt"

	"github.com/gwillem/signal-session/internal/signalcrypto"
)

var (
	messageKeySeedConstant = []byte{0x01}
	chainKeySeedConstant   = []byte{0x02}

	whisperTextInfo        = []byte("WhisperText")
	whisperRatchetInfo     = []byte("WhisperRatchet")
	whisperMessageKeysInfo = []byte("WhisperMessageKeys")
	whisperGroupInfo       = []byte("WhisperGroup")
)

// ChainKey is one position of a symmetric ratchet chain. Index is the next
// message index the chain will derive. A nil Key marks a closed chain that
// can only serve keys already cached.
type ChainKey struct {
	Index uint32
	Key   []byte
}

// MessageSeed returns the message key seed for the current index.
func (c ChainKey) MessageSeed() []byte {
	return signalcrypto.ComputeMAC(c.Key, messageKeySeedConstant)
}

// Next returns the chain key for the following index.
func (c ChainKey) Next() ChainKey {
	return ChainKey{Index: c.Index + 1, Key: signalcrypto.ComputeMAC(c.Key, chainKeySeedConstant)}
}

// MessageKeys holds the per-message material for a pairwise message.
type MessageKeys struct {
	CipherKey []byte
	MACKey    []byte
	IV        []byte
	Counter   uint32
}

// DeriveMessageKeys expands a pairwise message seed into cipher key, MAC key and IV.
func DeriveMessageKeys(seed []byte, counter uint32) (MessageKeys, error) {
	chunks, err := signalcrypto.DeriveSecrets(seed, nil, whisperMessageKeysInfo, 3)
	if err != nil {
		return MessageKeys{}, fmt.Errorf("derive message keys: %w", err)
	}
	return MessageKeys{
		CipherKey: chunks[0],
		MACKey:    chunks[1],
		IV:        chunks[2][:16],
		Counter:   counter,
	}, nil
}

// SenderMessageKey is the key material for one group message.
type SenderMessageKey struct {
	Iteration uint32
	IV        []byte
	CipherKey []byte
}

// DeriveSenderMessageKey expands a group message seed. The 48-byte output is
// laid out as IV (16 bytes) followed by the AES-256 key.
func DeriveSenderMessageKey(seed []byte, iteration uint32) (SenderMessageKey, error) {
	out, err := signalcrypto.Expand(seed, nil, whisperGroupInfo, 48)
	if err != nil {
		return SenderMessageKey{}, fmt.Errorf("derive sender message key: %w", err)
	}
	return SenderMessageKey{Iteration: iteration, IV: out[:16], CipherKey: out[16:48]}, nil
}

// rootKeyStep mixes a DH output into the root key and returns the new root
// key and a fresh chain key.
func rootKeyStep(rootKey, sharedSecret []byte) (newRoot, chainKey []byte, err error) {
	chunks, err := signalcrypto.DeriveSecrets(sharedSecret, rootKey, whisperRatchetInfo, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("root key step: %w", err)
	}
	return chunks[0], chunks[1], nil
}
