package libsignal

import (
	"context"
	"fmt"
)

// GroupSessionBuilder maintains sender key records.
type GroupSessionBuilder struct {
	p *Protocol
}

// Process adds the chain carried by a distribution message to the record
// for name. The message signature is not checked here; the caller must have
// received it over an authenticated pairwise session.
func (b *GroupSessionBuilder) Process(ctx context.Context, name SenderKeyName, msg *SenderKeyDistributionMessage) error {
	return b.p.queue.Do(ctx, senderKeyQueueKey(name), func(ctx context.Context) error {
		record, err := LoadSenderKey(ctx, b.p.store, name)
		if err != nil {
			return err
		}
		if record == nil {
			record = NewSenderKeyRecord()
		}
		record.AddState(msg.KeyID, msg.Iteration, msg.ChainKey, msg.SigningKey)
		return storeSenderKey(ctx, b.p.store, name, record)
	})
}

// Create returns the distribution message for our own sender key in a
// group, generating the key first if there is none.
func (b *GroupSessionBuilder) Create(ctx context.Context, name SenderKeyName) (*SenderKeyDistributionMessage, error) {
	var out *SenderKeyDistributionMessage
	err := b.p.queue.Do(ctx, senderKeyQueueKey(name), func(ctx context.Context) error {
		record, err := LoadSenderKey(ctx, b.p.store, name)
		if err != nil {
			return err
		}
		if record == nil || record.IsEmpty() || record.CurrentState().SigningPrivate == nil {
			if record, err = newOwnSenderKeyRecord(); err != nil {
				return err
			}
			logf(b.p.logger, "created sender key %d for %s", record.CurrentState().KeyID, name)
			if err := storeSenderKey(ctx, b.p.store, name, record); err != nil {
				return err
			}
		}
		state := record.CurrentState()
		signing, err := state.SigningKey()
		if err != nil {
			return err
		}
		out = NewSenderKeyDistributionMessage(state.KeyID, state.ChainKey.Index, state.ChainKey.Key, signing)
		return nil
	})
	return out, err
}

func newOwnSenderKeyRecord() (*SenderKeyRecord, error) {
	keyID, err := GenerateSenderKeyID()
	if err != nil {
		return nil, err
	}
	seed, err := GenerateSenderKey()
	if err != nil {
		return nil, err
	}
	signing, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	record := NewSenderKeyRecord()
	record.SetState(keyID, 0, seed, signing)
	return record, nil
}

func storeSenderKey(ctx context.Context, store KeyStore, name SenderKeyName, record *SenderKeyRecord) error {
	data, err := record.Serialize()
	if err != nil {
		return err
	}
	batch := Batch{}
	batch.Put(RecordSenderKey, name.StoreKey(), data)
	if err := store.Set(ctx, batch); err != nil {
		return fmt.Errorf("store sender key %s: %w", name, err)
	}
	return nil
}
