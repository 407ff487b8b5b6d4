package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/gwillem/signal-session/internal/libsignal"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	boltVersion    = 0
)

// BoltStore is a bbolt backed libsignal.ProtocolStore with one bucket per
// record kind.
type BoltStore struct {
	db *bolt.DB

	mu      sync.RWMutex
	account *Account
}

var (
	_ libsignal.ProtocolStore = (*BoltStore)(nil)
	_ libsignal.KeyLister     = (*BoltStore)(nil)
)

// OpenBolt opens or creates a bbolt store at path.
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		path = filepath.Join(DefaultDataDir(), "default.bolt")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bolt: %w", err)
	}

	s := &BoltStore{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, kind := range libsignal.RecordKinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return err
			}
		}

		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != boltVersion {
				return fmt.Errorf("incompatible version: %d", uint(b[0]))
			}
			if data := meta.Get([]byte(accountKey)); data != nil {
				acct, err := unmarshalAccount(data)
				if err != nil {
					return err
				}
				s.account = acct
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{boltVersion})
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bolt: %w", err)
	}
	return s, nil
}

// Close syncs and closes the database.
func (s *BoltStore) Close() error {
	return errors.Join(s.db.Sync(), s.db.Close())
}

func bucketFor(tx *bolt.Tx, kind libsignal.RecordKind) (*bolt.Bucket, error) {
	bkt := tx.Bucket([]byte(kind))
	if bkt == nil {
		return nil, fmt.Errorf("store: unknown record kind %q", kind)
	}
	return bkt, nil
}

// Get returns the stored records of kind for keys. Missing keys are omitted.
func (s *BoltStore) Get(_ context.Context, kind libsignal.RecordKind, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt, err := bucketFor(tx, kind)
		if err != nil {
			return err
		}
		for _, k := range keys {
			// Values are only valid for the life of the transaction.
			if v := bkt.Get([]byte(k)); v != nil {
				out[k] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Set applies batch in one update transaction. A nil value deletes the key.
func (s *BoltStore) Set(ctx context.Context, batch libsignal.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for kind, records := range batch {
			bkt, err := bucketFor(tx, kind)
			if err != nil {
				return err
			}
			for id, record := range records {
				if record == nil {
					err = bkt.Delete([]byte(id))
				} else {
					err = bkt.Put([]byte(id), record)
				}
				if err != nil {
					return fmt.Errorf("store: write %s %s: %w", kind, id, err)
				}
			}
		}
		return nil
	})
}

// Keys returns every key stored under kind in ascending order.
func (s *BoltStore) Keys(_ context.Context, kind libsignal.RecordKind) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt, err := bucketFor(tx, kind)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// SaveAccount persists the account and makes it the local identity.
func (s *BoltStore) SaveAccount(acct *Account) error {
	data, err := marshalAccount(acct)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metadataBucket)).Put([]byte(accountKey), data)
	}); err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}

	s.mu.Lock()
	s.account = acct
	s.mu.Unlock()
	return nil
}

// LoadAccount returns the saved account, or nil if there is none.
func (s *BoltStore) LoadAccount() (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account, nil
}

// GetIdentityKeyPair returns the local identity key pair.
func (s *BoltStore) GetIdentityKeyPair(context.Context) (*libsignal.IdentityKeyPair, error) {
	acct, _ := s.LoadAccount()
	if acct == nil {
		return nil, ErrNoAccount
	}
	return acct.IdentityKeyPair()
}

// GetLocalRegistrationID returns the local registration ID.
func (s *BoltStore) GetLocalRegistrationID(context.Context) (uint32, error) {
	acct, _ := s.LoadAccount()
	if acct == nil {
		return 0, ErrNoAccount
	}
	return acct.RegistrationID, nil
}
