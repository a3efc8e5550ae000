package pkg

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"
)

// Compile-time check to ensure MemoryStorage implements Storage
var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage implements the Storage interface using an ordered in-memory map.
// Keys are kept sorted so ListAll is deterministic.
type MemoryStorage struct {
	mu     sync.RWMutex
	data   *treemap.Map
	closed atomic.Bool

	// Metrics for monitoring
	hits    atomic.Int64
	misses  atomic.Int64
	puts    atomic.Int64
	deletes atomic.Int64
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: treemap.NewWithStringComparator(),
	}
}

// Get retrieves the value associated with the given key.
// Returns ErrKeyNotFound if the key doesn't exist.
func (ms *MemoryStorage) Get(ctx context.Context, key string) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}
	if ms.closed.Load() {
		return "", ErrStorageUnavailable
	}

	ms.mu.RLock()
	value, found := ms.data.Get(key)
	ms.mu.RUnlock()

	if !found {
		ms.misses.Add(1)
		return "", ErrKeyNotFound
	}

	ms.hits.Add(1)
	return value.(string), nil
}

// Put stores a value with the given key, overwriting any previous value.
func (ms *MemoryStorage) Put(ctx context.Context, key, value string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}

	ms.mu.Lock()
	ms.data.Put(key, value)
	ms.mu.Unlock()

	ms.puts.Add(1)
	return nil
}

// Delete removes the key and its associated value from storage.
// No error is returned if the key doesn't exist.
func (ms *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}

	ms.mu.Lock()
	ms.data.Remove(key)
	ms.mu.Unlock()

	ms.deletes.Add(1)
	return nil
}

// DeleteAll removes all entries from storage but keeps it operational.
func (ms *MemoryStorage) DeleteAll(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}

	ms.mu.Lock()
	removed := ms.data.Size()
	ms.data.Clear()
	ms.mu.Unlock()

	ms.deletes.Add(int64(removed))
	return nil
}

// ListAll returns all key-value pairs in ascending key order.
func (ms *MemoryStorage) ListAll(ctx context.Context) ([]Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if ms.closed.Load() {
		return nil, ErrStorageUnavailable
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	entries := make([]Entry, 0, ms.data.Size())
	it := ms.data.Iterator()
	for it.Next() {
		entries = append(entries, Entry{
			Key:   it.Key().(string),
			Value: it.Value().(string),
		})
	}
	return entries, nil
}

// Close gracefully shuts down the storage and releases resources.
func (ms *MemoryStorage) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	ms.mu.Lock()
	ms.data.Clear()
	ms.mu.Unlock()
	return nil
}

// Stats holds storage statistics.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Puts    int64 `json:"puts"`
	Deletes int64 `json:"deletes"`
}

// GetStats returns current storage statistics.
func (ms *MemoryStorage) GetStats() Stats {
	ms.mu.RLock()
	entries := ms.data.Size()
	ms.mu.RUnlock()

	return Stats{
		Entries: entries,
		Hits:    ms.hits.Load(),
		Misses:  ms.misses.Load(),
		Puts:    ms.puts.Load(),
		Deletes: ms.deletes.Load(),
	}
}
