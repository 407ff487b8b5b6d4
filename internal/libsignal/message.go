package libsignal

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/signal-session/internal/signalcrypto"
)

// MessageType identifies the kind of a serialized ciphertext message.
type MessageType uint8

// CiphertextMessage type constants.
const (
	CiphertextMessageTypeWhisper      MessageType = 2
	CiphertextMessageTypePreKey       MessageType = 3
	CiphertextMessageTypeDistribution MessageType = 5
	CiphertextMessageTypeSenderKey    MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case CiphertextMessageTypeWhisper:
		return "whisper"
	case CiphertextMessageTypePreKey:
		return "prekey"
	case CiphertextMessageTypeDistribution:
		return "distribution"
	case CiphertextMessageTypeSenderKey:
		return "senderkey"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

const (
	// CurrentVersion is the protocol version this package produces.
	CurrentVersion = 3
	versionByte    = CurrentVersion<<4 | CurrentVersion
	macSize        = 8
)

// CiphertextMessage is an encrypted message ready for the transport.
type CiphertextMessage interface {
	Type() MessageType
	Serialize() []byte
}

func checkVersion(b byte) error {
	// Low nibble is the sender's minimum version, high nibble its current one.
	if b&0x0F > CurrentVersion || b>>4 < CurrentVersion {
		return fmt.Errorf("%w: 0x%02x", ErrInvalidVersion, b)
	}
	return nil
}

// fieldReader walks the fields of a protobuf message body.
type fieldReader struct {
	b   []byte
	err error
}

// next returns the next field. ok is false at the end or on error.
func (r *fieldReader) next() (num protowire.Number, typ protowire.Type, ok bool) {
	if r.err != nil || len(r.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0, 0, false
	}
	r.b = r.b[n:]
	return num, typ, true
}

func (r *fieldReader) varint(typ protowire.Type) uint32 {
	if typ != protowire.VarintType {
		r.err = fmt.Errorf("unexpected wire type %d", typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.b = r.b[n:]
	if v > math.MaxUint32 {
		r.err = fmt.Errorf("varint %d overflows uint32", v)
		return 0
	}
	return uint32(v)
}

func (r *fieldReader) bytes(typ protowire.Type) []byte {
	if typ != protowire.BytesType {
		r.err = fmt.Errorf("unexpected wire type %d", typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.b = r.b[n:]
	return append([]byte(nil), v...)
}

func (r *fieldReader) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return
	}
	r.b = r.b[n:]
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func invalidMessage(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, what, err)
}

// SignalMessage is a pairwise ratchet message.
type SignalMessage struct {
	Version          uint8
	SenderRatchetKey *PublicKey
	Counter          uint32
	PreviousCounter  uint32
	Ciphertext       []byte
	serialized       []byte
}

func newSignalMessage(macKey []byte, ratchetKey *PublicKey, counter, previousCounter uint32, ciphertext []byte, senderIdentity, receiverIdentity []byte) *SignalMessage {
	body := []byte{versionByte}
	body = appendBytesField(body, 1, ratchetKey.Serialize())
	body = appendVarintField(body, 2, counter)
	body = appendVarintField(body, 3, previousCounter)
	body = appendBytesField(body, 4, ciphertext)
	mac := signalcrypto.ComputeMAC(macKey, senderIdentity, receiverIdentity, body)
	return &SignalMessage{
		Version:          CurrentVersion,
		SenderRatchetKey: ratchetKey,
		Counter:          counter,
		PreviousCounter:  previousCounter,
		Ciphertext:       ciphertext,
		serialized:       append(body, mac[:macSize]...),
	}
}

// DeserializeSignalMessage parses a serialized SignalMessage.
func DeserializeSignalMessage(data []byte) (*SignalMessage, error) {
	if len(data) < 1+macSize {
		return nil, fmt.Errorf("%w: signal message too short (%d bytes)", ErrInvalidMessage, len(data))
	}
	if err := checkVersion(data[0]); err != nil {
		return nil, err
	}
	m := &SignalMessage{Version: data[0] >> 4, serialized: append([]byte(nil), data...)}
	var ratchetKey []byte
	var haveCounter bool
	r := fieldReader{b: data[1 : len(data)-macSize]}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			ratchetKey = r.bytes(typ)
		case 2:
			m.Counter = r.varint(typ)
			haveCounter = true
		case 3:
			m.PreviousCounter = r.varint(typ)
		case 4:
			m.Ciphertext = r.bytes(typ)
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return nil, invalidMessage("signal message", r.err)
	}
	if ratchetKey == nil || !haveCounter || m.Ciphertext == nil {
		return nil, fmt.Errorf("%w: signal message missing required fields", ErrInvalidMessage)
	}
	key, err := DeserializePublicKey(ratchetKey)
	if err != nil {
		return nil, err
	}
	m.SenderRatchetKey = key
	return m, nil
}

func (m *SignalMessage) Type() MessageType { return CiphertextMessageTypeWhisper }

func (m *SignalMessage) Serialize() []byte { return m.serialized }

// VerifyMAC checks the trailing MAC. senderIdentity and receiverIdentity are
// 33-byte serialized identity keys.
func (m *SignalMessage) VerifyMAC(macKey, senderIdentity, receiverIdentity []byte) error {
	body := m.serialized[:len(m.serialized)-macSize]
	mac := m.serialized[len(m.serialized)-macSize:]
	data := make([]byte, 0, len(senderIdentity)+len(receiverIdentity)+len(body))
	data = append(data, senderIdentity...)
	data = append(data, receiverIdentity...)
	data = append(data, body...)
	if err := signalcrypto.VerifyMAC(macKey, data, mac); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMAC, err)
	}
	return nil
}

// PreKeySignalMessage wraps the first SignalMessages of a session together
// with the key material the recipient needs to build it.
type PreKeySignalMessage struct {
	Version        uint8
	RegistrationID uint32
	PreKeyID       *uint32
	SignedPreKeyID uint32
	BaseKey        *PublicKey
	IdentityKey    *PublicKey
	Message        *SignalMessage
	serialized     []byte
}

func newPreKeySignalMessage(registrationID uint32, preKeyID *uint32, signedPreKeyID uint32, baseKey, identityKey *PublicKey, msg *SignalMessage) *PreKeySignalMessage {
	body := []byte{versionByte}
	body = appendVarintField(body, 5, registrationID)
	if preKeyID != nil {
		body = appendVarintField(body, 1, *preKeyID)
	}
	body = appendVarintField(body, 6, signedPreKeyID)
	body = appendBytesField(body, 2, baseKey.Serialize())
	body = appendBytesField(body, 3, identityKey.Serialize())
	body = appendBytesField(body, 4, msg.Serialize())
	return &PreKeySignalMessage{
		Version:        CurrentVersion,
		RegistrationID: registrationID,
		PreKeyID:       preKeyID,
		SignedPreKeyID: signedPreKeyID,
		BaseKey:        baseKey,
		IdentityKey:    identityKey,
		Message:        msg,
		serialized:     body,
	}
}

// DeserializePreKeySignalMessage parses a serialized PreKeySignalMessage.
func DeserializePreKeySignalMessage(data []byte) (*PreKeySignalMessage, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: pre-key message too short (%d bytes)", ErrInvalidMessage, len(data))
	}
	if err := checkVersion(data[0]); err != nil {
		return nil, err
	}
	m := &PreKeySignalMessage{Version: data[0] >> 4, serialized: append([]byte(nil), data...)}
	var baseKey, identityKey, inner []byte
	var haveSigned bool
	r := fieldReader{b: data[1:]}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			id := r.varint(typ)
			m.PreKeyID = &id
		case 2:
			baseKey = r.bytes(typ)
		case 3:
			identityKey = r.bytes(typ)
		case 4:
			inner = r.bytes(typ)
		case 5:
			m.RegistrationID = r.varint(typ)
		case 6:
			m.SignedPreKeyID = r.varint(typ)
			haveSigned = true
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return nil, invalidMessage("pre-key message", r.err)
	}
	if baseKey == nil || identityKey == nil || inner == nil || !haveSigned {
		return nil, fmt.Errorf("%w: pre-key message missing required fields", ErrInvalidMessage)
	}
	var err error
	if m.BaseKey, err = DeserializePublicKey(baseKey); err != nil {
		return nil, err
	}
	if m.IdentityKey, err = DeserializePublicKey(identityKey); err != nil {
		return nil, err
	}
	if m.Message, err = DeserializeSignalMessage(inner); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PreKeySignalMessage) Type() MessageType { return CiphertextMessageTypePreKey }

func (m *PreKeySignalMessage) Serialize() []byte { return m.serialized }

// SenderKeyMessage is a group message encrypted under a sender key.
type SenderKeyMessage struct {
	Version    uint8
	KeyID      uint32
	Iteration  uint32
	Ciphertext []byte
	serialized []byte
}

func newSenderKeyMessage(keyID, iteration uint32, ciphertext []byte, signingKey *PrivateKey) (*SenderKeyMessage, error) {
	body := []byte{versionByte}
	body = appendVarintField(body, 1, keyID)
	body = appendVarintField(body, 2, iteration)
	body = appendBytesField(body, 3, ciphertext)
	sig, err := signingKey.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("sign sender key message: %w", err)
	}
	return &SenderKeyMessage{
		Version:    CurrentVersion,
		KeyID:      keyID,
		Iteration:  iteration,
		Ciphertext: ciphertext,
		serialized: append(body, sig...),
	}, nil
}

// DeserializeSenderKeyMessage parses a serialized SenderKeyMessage.
func DeserializeSenderKeyMessage(data []byte) (*SenderKeyMessage, error) {
	if len(data) < 1+SignatureSize {
		return nil, fmt.Errorf("%w: sender key message too short (%d bytes)", ErrInvalidMessage, len(data))
	}
	if err := checkVersion(data[0]); err != nil {
		return nil, err
	}
	m := &SenderKeyMessage{Version: data[0] >> 4, serialized: append([]byte(nil), data...)}
	var haveID, haveIteration bool
	r := fieldReader{b: data[1 : len(data)-SignatureSize]}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.KeyID = r.varint(typ)
			haveID = true
		case 2:
			m.Iteration = r.varint(typ)
			haveIteration = true
		case 3:
			m.Ciphertext = r.bytes(typ)
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return nil, invalidMessage("sender key message", r.err)
	}
	if !haveID || !haveIteration || m.Ciphertext == nil {
		return nil, fmt.Errorf("%w: sender key message missing required fields", ErrInvalidMessage)
	}
	return m, nil
}

func (m *SenderKeyMessage) Type() MessageType { return CiphertextMessageTypeSenderKey }

func (m *SenderKeyMessage) Serialize() []byte { return m.serialized }

// VerifySignature checks the trailing signature against the sender's signing key.
func (m *SenderKeyMessage) VerifySignature(signingKey *PublicKey) error {
	body := m.serialized[:len(m.serialized)-SignatureSize]
	if !signingKey.Verify(body, m.serialized[len(m.serialized)-SignatureSize:]) {
		return ErrInvalidSignature
	}
	return nil
}

// SenderKeyDistributionMessage carries a sender key chain to group members.
type SenderKeyDistributionMessage struct {
	Version    uint8
	KeyID      uint32
	Iteration  uint32
	ChainKey   []byte
	SigningKey *PublicKey
	serialized []byte
}

// NewSenderKeyDistributionMessage builds a distribution message for a chain position.
func NewSenderKeyDistributionMessage(keyID, iteration uint32, chainKey []byte, signingKey *PublicKey) *SenderKeyDistributionMessage {
	body := []byte{versionByte}
	body = appendVarintField(body, 1, keyID)
	body = appendVarintField(body, 2, iteration)
	body = appendBytesField(body, 3, chainKey)
	body = appendBytesField(body, 4, signingKey.Serialize())
	return &SenderKeyDistributionMessage{
		Version:    CurrentVersion,
		KeyID:      keyID,
		Iteration:  iteration,
		ChainKey:   append([]byte(nil), chainKey...),
		SigningKey: signingKey,
		serialized: body,
	}
}

// DeserializeSenderKeyDistributionMessage parses a serialized distribution message.
func DeserializeSenderKeyDistributionMessage(data []byte) (*SenderKeyDistributionMessage, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: distribution message too short (%d bytes)", ErrInvalidMessage, len(data))
	}
	if err := checkVersion(data[0]); err != nil {
		return nil, err
	}
	m := &SenderKeyDistributionMessage{Version: data[0] >> 4, serialized: append([]byte(nil), data...)}
	var signingKey []byte
	var haveID, haveIteration bool
	r := fieldReader{b: data[1:]}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.KeyID = r.varint(typ)
			haveID = true
		case 2:
			m.Iteration = r.varint(typ)
			haveIteration = true
		case 3:
			m.ChainKey = r.bytes(typ)
		case 4:
			signingKey = r.bytes(typ)
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return nil, invalidMessage("distribution message", r.err)
	}
	if !haveID || !haveIteration || len(m.ChainKey) != 32 || signingKey == nil {
		return nil, fmt.Errorf("%w: distribution message missing required fields", ErrInvalidMessage)
	}
	key, err := DeserializePublicKey(signingKey)
	if err != nil {
		return nil, err
	}
	m.SigningKey = key
	return m, nil
}

func (m *SenderKeyDistributionMessage) Type() MessageType { return CiphertextMessageTypeDistribution }

func (m *SenderKeyDistributionMessage) Serialize() []byte { return m.serialized }
