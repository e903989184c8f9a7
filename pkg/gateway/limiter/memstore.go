package limiter

import (
	"context"
	"strconv"
	"sync"
)

// MemoryStateStore is an in-process StateStore for tests and single-replica
// deployments without Redis, grounded on the same Get/CompareAndSwap
// contract the RedisStateStore implements.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	state   WindowState
	version int64
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: map[string]memEntry{}}
}

func (m *MemoryStateStore) Get(_ context.Context, key string) (WindowState, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return WindowState{}, "", false, nil
	}
	return e.state, strconv.FormatInt(e.version, 10), true, nil
}

func (m *MemoryStateStore) CompareAndSwap(_ context.Context, key string, state WindowState, expectedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[key]
	if expectedVersion == "" {
		if exists {
			return "", ErrConflict
		}
	} else {
		if !exists || strconv.FormatInt(e.version, 10) != expectedVersion {
			return "", ErrConflict
		}
	}

	newVersion := e.version + 1
	m.entries[key] = memEntry{state: state, version: newVersion}
	return strconv.FormatInt(newVersion, 10), nil
}
