package cmap

import "sync"

// A string-keyed map sharded into shardCount segments so that
// concurrent readers and writers rarely contend on the same lock.
const shardCount = 32

type ConcurrentMap[V any] struct {
	shards []*shard[V]
}

type shard[V any] struct {
	sync.RWMutex
	items map[string]V
}

func New[V any]() ConcurrentMap[V] {
	m := ConcurrentMap[V]{shards: make([]*shard[V], shardCount)}
	for i := 0; i < shardCount; i++ {
		m.shards[i] = &shard[V]{items: map[string]V{}}
	}
	return m
}

func fnv32(key string) uint32 {
	hash := uint32(2166136261)
	const prime32 = uint32(16777619)
	for i := 0; i < len(key); i++ {
		hash *= prime32
		hash ^= uint32(key[i])
	}
	return hash
}

func (m ConcurrentMap[V]) getShard(key string) *shard[V] {
	return m.shards[fnv32(key)%shardCount]
}

func (m ConcurrentMap[V]) Set(key string, value V) {
	s := m.getShard(key)
	s.Lock()
	s.items[key] = value
	s.Unlock()
}

func (m ConcurrentMap[V]) Get(key string) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	v, ok := s.items[key]
	s.RUnlock()
	return v, ok
}

func (m ConcurrentMap[V]) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

func (m ConcurrentMap[V]) Remove(key string) {
	s := m.getShard(key)
	s.Lock()
	delete(s.items, key)
	s.Unlock()
}

// Pop removes and returns the value stored under key, if any.
func (m ConcurrentMap[V]) Pop(key string) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.Unlock()
	return v, ok
}

// RemoveCb removes key only if cb returns true. cb runs under the
// shard lock and must not call back into the map.
func (m ConcurrentMap[V]) RemoveCb(key string, cb func(key string, v V, exists bool) bool) bool {
	s := m.getShard(key)
	s.Lock()
	v, ok := s.items[key]
	remove := cb(key, v, ok)
	if remove && ok {
		delete(s.items, key)
	}
	s.Unlock()
	return remove
}

func (m ConcurrentMap[V]) Count() int {
	count := 0
	for _, s := range m.shards {
		s.RLock()
		count += len(s.items)
		s.RUnlock()
	}
	return count
}

func (m ConcurrentMap[V]) Keys() []string {
	keys := make([]string, 0, m.Count())
	for _, s := range m.shards {
		s.RLock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.RUnlock()
	}
	return keys
}

// IterCb iterates every entry under each shard's read lock.
func (m ConcurrentMap[V]) IterCb(cb func(key string, v V)) {
	for _, s := range m.shards {
		s.RLock()
		for k, v := range s.items {
			cb(k, v)
		}
		s.RUnlock()
	}
}
