// Package syncutil provides per-key locking primitives with bounded memory.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Unlike sync.Map-based per-key locks, this uses bounded memory regardless
// of how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIdx(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextShardedMutex is the context-aware variant: callers can bail out if
// their context is cancelled while waiting to acquire a shard. Each shard is
// a mutex implemented via a buffered channel so acquisition can be selected
// against ctx.Done().
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{} // start unlocked
		}
	})
}

// LockContext acquires the shard for the given key, respecting context
// cancellation. On success it returns an unlock function the caller MUST
// invoke; on cancellation it returns nil and the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
