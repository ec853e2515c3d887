// Package lock provides the conversation lock table and the daemon's
// single-instance file lock.
package lock

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 64

// MutexMap serializes work per key using a fixed number of mutex shards.
// Two keys may share a shard; callers must never hold two keys at once.
type MutexMap struct {
	shards []sync.Mutex
}

func NewMutexMap(shards int) *MutexMap {
	if shards <= 0 {
		shards = defaultShards
	}
	return &MutexMap{shards: make([]sync.Mutex, shards)}
}

func (m *MutexMap) Lock(key string) {
	m.shard(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.shard(key).Unlock()
}

// WithLock runs fn while holding the lock for key.
func (m *MutexMap) WithLock(key string, fn func()) {
	mu := m.shard(key)
	mu.Lock()
	defer mu.Unlock()
	fn()
}

func (m *MutexMap) Shards() int { return len(m.shards) }

func (m *MutexMap) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%uint32(len(m.shards))]
}
