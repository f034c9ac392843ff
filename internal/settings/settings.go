// Package settings persists the engine's small key/value configuration: the
// serialized lock cache, the HTTP/CLI backend choice and the locks API
// credentials.
package settings

import (
	"sort"
	"sync"
)

// Keys used by the engine.
const (
	KeyLockCache = "lock_cache"
	KeyUseHTTP   = "use_http"
	KeyAuthToken = "auth_token"
	KeyLocksURL  = "locks_url"
)

// Store is the key/value collaborator. Get returns "" for unknown keys.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns a Memory seeded with values.
func NewMemory(values map[string]string) *Memory {
	m := &Memory{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

// Get implements Store.
func (m *Memory) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

// Set implements Store. An empty value deletes the key.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.values, key)
		return nil
	}
	m.values[key] = value
	return nil
}

// Keys returns the stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.values)
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
