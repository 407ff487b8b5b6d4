package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gwillem/signal-session/internal/libsignal"
)

// ErrNoAccount is returned by the identity accessors before SaveAccount.
var ErrNoAccount = errors.New("store: no local account")

// Account holds the local identity every session is built from.
type Account struct {
	Name           string `json:"name"`
	DeviceID       uint32 `json:"deviceId"`
	RegistrationID uint32 `json:"registrationId"`
	IdentityKey    []byte `json:"identityKey"` // serialized libsignal.IdentityKeyPair
	Created        int64  `json:"created"`     // unix millis

	// Next IDs to hand out. They only move forward, so a consumed pre-key's
	// ID is not reused until the counter wraps. Zero means not yet seeded.
	NextPreKeyID       uint32 `json:"nextPreKeyId,omitempty"`
	NextSignedPreKeyID uint32 `json:"nextSignedPreKeyId,omitempty"`
}

// NewAccount wraps identity into an Account.
func NewAccount(name string, deviceID uint32, identity *libsignal.IdentityKeyPair, registrationID uint32, created int64) (*Account, error) {
	data, err := identity.Serialize()
	if err != nil {
		return nil, fmt.Errorf("store: serialize identity: %w", err)
	}
	return &Account{
		Name:           name,
		DeviceID:       deviceID,
		RegistrationID: registrationID,
		IdentityKey:    data,
		Created:        created,
	}, nil
}

// Address returns the account's own protocol address.
func (a *Account) Address() libsignal.Address {
	return libsignal.NewAddress(a.Name, a.DeviceID)
}

// IdentityKeyPair decodes the stored identity.
func (a *Account) IdentityKeyPair() (*libsignal.IdentityKeyPair, error) {
	kp, err := libsignal.DeserializeIdentityKeyPair(a.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("store: decode identity: %w", err)
	}
	return kp, nil
}

const accountKey = "account"

func marshalAccount(acct *Account) ([]byte, error) {
	data, err := json.Marshal(acct)
	if err != nil {
		return nil, fmt.Errorf("store: marshal account: %w", err)
	}
	return data, nil
}

func unmarshalAccount(data []byte) (*Account, error) {
	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return &acct, nil
}

// SaveAccount persists the account and makes it the local identity.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := marshalAccount(acct)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		accountKey, data,
	)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}

	s.mu.Lock()
	s.account = acct
	s.mu.Unlock()
	return nil
}

// LoadAccount loads the account from the database.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount() (*Account, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT value FROM account WHERE key = ?", accountKey,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load account: %w", err)
	}
	return unmarshalAccount(data)
}

func (s *Store) cachedAccount() (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return nil, ErrNoAccount
	}
	return s.account, nil
}

// GetIdentityKeyPair returns the local identity key pair.
func (s *Store) GetIdentityKeyPair(context.Context) (*libsignal.IdentityKeyPair, error) {
	acct, err := s.cachedAccount()
	if err != nil {
		return nil, err
	}
	return acct.IdentityKeyPair()
}

// GetLocalRegistrationID returns the local registration ID.
func (s *Store) GetLocalRegistrationID(context.Context) (uint32, error) {
	acct, err := s.cachedAccount()
	if err != nil {
		return 0, err
	}
	return acct.RegistrationID, nil
}
