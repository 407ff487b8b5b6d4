package libsignal

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryKeyStore is an in-memory KeyStore, mainly for tests.
type MemoryKeyStore struct {
	mu   sync.Mutex
	data map[RecordKind]map[string][]byte
}

// NewMemoryKeyStore returns an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{data: make(map[RecordKind]map[string][]byte)}
}

func (s *MemoryKeyStore) Get(_ context.Context, kind RecordKind, keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.data[kind][k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (s *MemoryKeyStore) Set(_ context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, m := range batch {
		bucket, ok := s.data[kind]
		if !ok {
			bucket = make(map[string][]byte)
			s.data[kind] = bucket
		}
		for k, v := range m {
			if v == nil {
				delete(bucket, k)
				continue
			}
			bucket[k] = append([]byte(nil), v...)
		}
	}
	return nil
}

// Keys returns the keys stored under kind in ascending order.
func (s *MemoryKeyStore) Keys(_ context.Context, kind RecordKind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.data[kind])), nil
}

// MemoryProtocolStore is a MemoryKeyStore with a fixed local identity.
type MemoryProtocolStore struct {
	*MemoryKeyStore
	identity       *IdentityKeyPair
	registrationID uint32
}

// NewMemoryProtocolStore creates an in-memory protocol store for identity.
func NewMemoryProtocolStore(identity *IdentityKeyPair, registrationID uint32) *MemoryProtocolStore {
	return &MemoryProtocolStore{
		MemoryKeyStore: NewMemoryKeyStore(),
		identity:       identity,
		registrationID: registrationID,
	}
}

func (s *MemoryProtocolStore) GetIdentityKeyPair(context.Context) (*IdentityKeyPair, error) {
	return s.identity, nil
}

func (s *MemoryProtocolStore) GetLocalRegistrationID(context.Context) (uint32, error) {
	return s.registrationID, nil
}
