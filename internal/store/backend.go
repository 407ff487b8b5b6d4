package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/gwillem/signal-session/internal/libsignal"
)

// Backend is a persistent protocol store that also owns the local account.
type Backend interface {
	libsignal.ProtocolStore
	libsignal.KeyLister
	SaveAccount(acct *Account) error
	LoadAccount() (*Account, error)
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*BoltStore)(nil)
	_ Backend = (*MemoryStore)(nil)
)

// Backend names accepted by OpenBackend.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// OpenBackend opens the named backend at path.
func OpenBackend(kind, path string) (Backend, error) {
	switch kind {
	case BackendSQLite, "":
		return Open(path)
	case BackendBolt:
		return OpenBolt(path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", kind)
	}
}

// MemoryStore is a non-persistent Backend.
type MemoryStore struct {
	*libsignal.MemoryKeyStore

	mu      sync.RWMutex
	account *Account
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{MemoryKeyStore: libsignal.NewMemoryKeyStore()}
}

func (s *MemoryStore) SaveAccount(acct *Account) error {
	s.mu.Lock()
	s.account = acct
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadAccount() (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account, nil
}

func (s *MemoryStore) GetIdentityKeyPair(context.Context) (*libsignal.IdentityKeyPair, error) {
	acct, _ := s.LoadAccount()
	if acct == nil {
		return nil, ErrNoAccount
	}
	return acct.IdentityKeyPair()
}

func (s *MemoryStore) GetLocalRegistrationID(context.Context) (uint32, error) {
	acct, _ := s.LoadAccount()
	if acct == nil {
		return 0, ErrNoAccount
	}
	return acct.RegistrationID, nil
}

func (s *MemoryStore) Close() error { return nil }
