package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyedMutex is a fixed-size pool of channel-based mutexes. Memory stays
// bounded regardless of how many keys are seen, at the cost of occasional
// false sharing between keys that hash to the same shard. Waiters can bail out
// when their context ends.
type KeyedMutex struct {
	shards []chan struct{}
}

var _ Locker = (*KeyedMutex)(nil)

// NewKeyedMutex creates a keyed mutex with n shards (256 if n <= 0).
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = defaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // unlocked
	}
	return m
}

// LockContext acquires the mutex for key, respecting context cancellation.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shardIdx(key)]

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, lockErr(ctx.Err())
	}
}

func (m *KeyedMutex) shardIdx(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
