/*
Package source provides the shared snapshot store backing every source cache.

Each external source owns one Store instance: its refresh loop is the only
writer, request handlers are the readers. A snapshot is always replaced as
one unit under the write lock, so a concurrent Get observes either the
fully-old or fully-new value, never a mix. The lock is held only for the
in-memory map operation, never across network I/O.
*/
package source

import "sync"

// Store is a concurrently-readable map from a source-specific key to that
// source's most recently committed snapshot.
type Store[K comparable, V any] struct {
	mu        sync.RWMutex
	snapshots map[K]V
}

// NewStore returns an empty Store.
func NewStore[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{
		snapshots: make(map[K]V),
	}
}

// Get returns the most recently committed snapshot for key, or false if
// the key has never been populated. It never blocks on an in-flight
// refresh beyond the brief map read lock.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[key]
	return snapshot, ok
}

// Set replaces the snapshot for key atomically.
func (s *Store[K, V]) Set(key K, snapshot V) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[key] = snapshot
}

// Delete removes the snapshot for key. Sources whose responses are
// authoritative about absence (the location source) use this; the others
// let entries go stale instead.
func (s *Store[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, key)
}

// Replace swaps the entire map for the given snapshots.
func (s *Store[K, V]) Replace(snapshots map[K]V) {
	copied := make(map[K]V, len(snapshots))
	for key, snapshot := range snapshots {
		copied[key] = snapshot
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = copied
}

// Len returns the current number of snapshots.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.snapshots)
}
