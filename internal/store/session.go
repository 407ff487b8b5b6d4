package store

import (
	"context"
	"fmt"

	"github.com/gwillem/signal-session/internal/libsignal"
)

// SessionAddresses lists the addresses that have a stored session record.
func SessionAddresses(ctx context.Context, s libsignal.KeyLister) ([]libsignal.Address, error) {
	keys, err := s.Keys(ctx, libsignal.RecordSession)
	if err != nil {
		return nil, err
	}
	addrs := make([]libsignal.Address, 0, len(keys))
	for _, k := range keys {
		addr, err := libsignal.ParseAddress(k)
		if err != nil {
			return nil, fmt.Errorf("store: session key %q: %w", k, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
