package libsignal

import (
	"fmt"
	"slices"
	"sort"
)

// MaxMessageKeys bounds both the skip-ahead distance and the number of cached
// skipped message keys per chain.
const MaxMessageKeys = 2000

// CachedKey is a skipped message seed waiting to be consumed.
type CachedKey struct {
	Index uint32
	Seed  []byte
}

// MessageKeyCache holds skipped message seeds sorted by index. Insertion
// beyond MaxMessageKeys is rejected, nothing is evicted.
type MessageKeyCache struct {
	Keys []CachedKey
}

func (c *MessageKeyCache) Len() int { return len(c.Keys) }

func (c *MessageKeyCache) search(index uint32) int {
	return sort.Search(len(c.Keys), func(i int) bool { return c.Keys[i].Index >= index })
}

// Has reports whether a seed for index is cached.
func (c *MessageKeyCache) Has(index uint32) bool {
	i := c.search(index)
	return i < len(c.Keys) && c.Keys[i].Index == index
}

// Put caches the seed for index.
func (c *MessageKeyCache) Put(index uint32, seed []byte) error {
	i := c.search(index)
	if i < len(c.Keys) && c.Keys[i].Index == index {
		c.Keys[i].Seed = seed
		return nil
	}
	if len(c.Keys) >= MaxMessageKeys {
		return ErrTooManySkippedKeys
	}
	c.Keys = slices.Insert(c.Keys, i, CachedKey{Index: index, Seed: seed})
	return nil
}

// Take removes and returns the seed for index.
func (c *MessageKeyCache) Take(index uint32) ([]byte, bool) {
	i := c.search(index)
	if i == len(c.Keys) || c.Keys[i].Index != index {
		return nil, false
	}
	seed := c.Keys[i].Seed
	c.Keys = slices.Delete(c.Keys, i, i+1)
	return seed, true
}

// Indexes returns the cached indexes in ascending order.
func (c *MessageKeyCache) Indexes() []uint32 {
	out := make([]uint32, len(c.Keys))
	for i, k := range c.Keys {
		out[i] = k.Index
	}
	return out
}

// fillMessageKeys advances ck until its index reaches upTo, caching every
// seed it passes. It checks the bounds before touching either argument.
func fillMessageKeys(ck *ChainKey, cache *MessageKeyCache, upTo uint32) error {
	if upTo <= ck.Index {
		return nil
	}
	if ck.Key == nil {
		return ErrChainClosed
	}
	jump := upTo - ck.Index
	if jump > MaxMessageKeys {
		return fmt.Errorf("%w: %d ahead of index %d", ErrKeyTooFarInFuture, jump, ck.Index)
	}
	if cache.Len()+int(jump) > MaxMessageKeys {
		return fmt.Errorf("%w: %d cached, %d to skip", ErrTooManySkippedKeys, cache.Len(), jump)
	}
	for ck.Index < upTo {
		if err := cache.Put(ck.Index, ck.MessageSeed()); err != nil {
			return err
		}
		*ck = ck.Next()
	}
	return nil
}

// resolveMessageSeed returns the seed for index and consumes it. Historical
// indexes come from the cache and are removed from it; future indexes skip
// ahead, caching the intermediate seeds, and leave ck one past index.
func resolveMessageSeed(ck *ChainKey, cache *MessageKeyCache, index uint32) ([]byte, error) {
	if index < ck.Index {
		seed, ok := cache.Take(index)
		if !ok {
			return nil, fmt.Errorf("%w: index %d, chain at %d", ErrOldCounterKeyNotFound, index, ck.Index)
		}
		return seed, nil
	}
	if ck.Key == nil {
		return nil, ErrChainClosed
	}
	if err := fillMessageKeys(ck, cache, index); err != nil {
		return nil, err
	}
	seed := ck.MessageSeed()
	*ck = ck.Next()
	return seed, nil
}
