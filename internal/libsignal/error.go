package libsignal

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a protocol failure so callers can decide between
// dropping a message, requesting a resync or treating the session as broken.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindStoreMissRecord: no session or sender key record for the addressed key.
	KindStoreMissRecord
	// KindUnknownKeyID: the message names a ratchet or sender key id not in the record.
	KindUnknownKeyID
	// KindReplayedOrConsumedKey: a historical message key was already used.
	KindReplayedOrConsumedKey
	// KindFutureKeyOutOfBounds: the counter exceeds the skip-ahead window.
	KindFutureKeyOutOfBounds
	// KindStalePreKeyReference: a handshake references a pre-key we no longer hold.
	KindStalePreKeyReference
	// KindAuthenticationFailure: MAC, signature or padding check failed.
	KindAuthenticationFailure
	KindUntrustedIdentity
	KindInvalidMessage
	KindInvalidState
)

var kindNames = map[ErrorKind]string{
	KindUnknown:               "unknown",
	KindStoreMissRecord:       "store_miss_record",
	KindUnknownKeyID:          "unknown_key_id",
	KindReplayedOrConsumedKey: "replayed_or_consumed_key",
	KindFutureKeyOutOfBounds:  "future_key_out_of_bounds",
	KindStalePreKeyReference:  "stale_pre_key_reference",
	KindAuthenticationFailure: "authentication_failure",
	KindUntrustedIdentity:     "untrusted_identity",
	KindInvalidMessage:        "invalid_message",
	KindInvalidState:          "invalid_state",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error lets a kind be used directly as an errors.Is target.
func (k ErrorKind) Error() string { return k.String() }

// Error is a protocol error carrying its kind.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return "libsignal: " + e.Message
}

// Is matches both the same sentinel and any target of the same ErrorKind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(ErrorKind); ok {
		return e.Kind == k
	}
	return false
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// KindOf returns the kind of the first protocol error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

var (
	ErrNoSession         = newError(KindStoreMissRecord, "no session record")
	ErrNoOpenSession     = newError(KindStoreMissRecord, "no open session")
	ErrNoSenderKeyRecord = newError(KindStoreMissRecord, "no sender key record")

	ErrNoStateForKeyID = newError(KindUnknownKeyID, "no sender key state for key id")
	ErrNoMatchingChain = newError(KindUnknownKeyID, "no session matches ratchet key")

	ErrOldCounterKeyNotFound = newError(KindReplayedOrConsumedKey, "message key for old counter not found")
	ErrChainClosed           = newError(KindReplayedOrConsumedKey, "receiving chain is closed")
	ErrDuplicateMessage      = newError(KindReplayedOrConsumedKey, "duplicate pre-key message")

	ErrKeyTooFarInFuture  = newError(KindFutureKeyOutOfBounds, "message key too far in the future")
	ErrTooManySkippedKeys = newError(KindFutureKeyOutOfBounds, "skipped message key cache is full")

	ErrStalePreKey       = newError(KindStalePreKeyReference, "pre-key not found")
	ErrStaleSignedPreKey = newError(KindStalePreKeyReference, "signed pre-key not found")

	ErrInvalidMAC       = newError(KindAuthenticationFailure, "bad MAC")
	ErrInvalidSignature = newError(KindAuthenticationFailure, "bad signature")
	ErrDecryptionFailed = newError(KindAuthenticationFailure, "decryption failed")

	ErrUntrustedIdentity = newError(KindUntrustedIdentity, "untrusted identity key")

	ErrInvalidMessage = newError(KindInvalidMessage, "invalid message")
	ErrInvalidVersion = newError(KindInvalidMessage, "unsupported message version")
	ErrInvalidKey     = newError(KindInvalidMessage, "invalid key")

	ErrSendingChainMissing = newError(KindInvalidState, "session has no sending chain")
)
