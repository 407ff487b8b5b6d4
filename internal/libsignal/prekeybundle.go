package libsignal

// PreKeyBundle is the key material a peer publishes so sessions can be
// started while it is offline. PreKey is nil when no one-time pre-key was
// available.
type PreKeyBundle struct {
	RegistrationID        uint32
	DeviceID              uint32
	PreKeyID              uint32
	PreKey                *PublicKey
	SignedPreKeyID        uint32
	SignedPreKey          *PublicKey
	SignedPreKeySignature []byte
	IdentityKey           *PublicKey
}

// NewPreKeyBundle creates a pre-key bundle. Pass a nil preKey when the
// bundle carries no one-time pre-key.
func NewPreKeyBundle(
	registrationID, deviceID uint32,
	preKeyID uint32, preKey *PublicKey,
	signedPreKeyID uint32, signedPreKey *PublicKey, signedPreKeySig []byte,
	identityKey *PublicKey,
) *PreKeyBundle {
	return &PreKeyBundle{
		RegistrationID:        registrationID,
		DeviceID:              deviceID,
		PreKeyID:              preKeyID,
		PreKey:                preKey,
		SignedPreKeyID:        signedPreKeyID,
		SignedPreKey:          signedPreKey,
		SignedPreKeySignature: append([]byte(nil), signedPreKeySig...),
		IdentityKey:           identityKey,
	}
}

// VerifySignature checks the signed pre-key signature against the identity key.
func (b *PreKeyBundle) VerifySignature() error {
	if b.IdentityKey == nil || b.SignedPreKey == nil {
		return ErrInvalidKey
	}
	if !b.IdentityKey.Verify(b.SignedPreKey.Serialize(), b.SignedPreKeySignature) {
		return ErrInvalidSignature
	}
	return nil
}
