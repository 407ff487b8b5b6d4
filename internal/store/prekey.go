package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gwillem/signal-session/internal/libsignal"
)

// PreKeyIDs returns the stored IDs of a pre-key kind (one-time or signed).
func PreKeyIDs(ctx context.Context, s libsignal.KeyLister, kind libsignal.RecordKind) ([]uint32, error) {
	keys, err := s.Keys(ctx, kind)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("store: %s key %q: %w", kind, k, err)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

// NextPreKeyID returns one past the highest stored ID of kind, starting at 1.
func NextPreKeyID(ctx context.Context, s libsignal.KeyLister, kind libsignal.RecordKind) (uint32, error) {
	ids, err := PreKeyIDs(ctx, s, kind)
	if err != nil {
		return 0, err
	}
	var highest uint32
	for _, id := range ids {
		highest = max(highest, id)
	}
	return highest + 1, nil
}

// AllocatePreKeyIDs reserves count IDs of kind starting at next. IDs wrap
// from libsignal.MaxPreKeyID to 1 and skip any ID still stored. It returns
// the IDs and the value to persist as the new next ID.
func AllocatePreKeyIDs(ctx context.Context, s libsignal.KeyLister, kind libsignal.RecordKind, next uint32, count int) ([]uint32, uint32, error) {
	stored, err := PreKeyIDs(ctx, s, kind)
	if err != nil {
		return nil, 0, err
	}
	if count > libsignal.MaxPreKeyID-len(stored) {
		return nil, 0, fmt.Errorf("store: no free %s ids for %d keys", kind, count)
	}
	inUse := make(map[uint32]bool, len(stored))
	for _, id := range stored {
		inUse[id] = true
	}

	ids := make([]uint32, 0, count)
	id := next
	for len(ids) < count {
		if id == 0 || id > libsignal.MaxPreKeyID {
			id = 1
		}
		if !inUse[id] {
			ids = append(ids, id)
		}
		id++
	}
	if id > libsignal.MaxPreKeyID {
		id = 1
	}
	return ids, id, nil
}
