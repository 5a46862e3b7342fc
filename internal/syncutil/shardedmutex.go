// Package syncutil provides small concurrency helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex serializes work per string key without allocating a mutex per
// key. Keys hash onto a fixed set of shards, so two distinct keys may share
// a shard and contend; that is acceptable for short critical sections. The
// zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock locks the shard for key and returns the matching unlock func.
//
//	unlock := m.Lock(id)
//	defer unlock()
func (m *ShardedMutex) Lock(key string) func() {
	mu := &m.shards[m.shard(key)]
	mu.Lock()
	return mu.Unlock
}

func (m *ShardedMutex) shard(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}
