// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import "sync"

// MemStore is an in-memory Store. It backs tests and the degraded mode used
// when no persistence substrate is available.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]map[string]string
}

// NewMem returns an empty in-memory store.
func NewMem() *MemStore {
	return &MemStore{records: make(map[string]map[string]string)}
}

// Get returns the value for key in namespace ns.
func (m *MemStore) Get(ns, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.records[ns][key]
	return value, ok, nil
}

// Set persists a single key.
func (m *MemStore) Set(ns, key, value string) error {
	return m.SetAll(ns, map[string]string{key: value})
}

// SetAll persists every pair in kv.
func (m *MemStore) SetAll(ns string, kv map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.records[ns]
	if bucket == nil {
		bucket = make(map[string]string)
		m.records[ns] = bucket
	}
	for key, value := range kv {
		bucket[key] = value
	}
	return nil
}

// Remove deletes a key.
func (m *MemStore) Remove(ns, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records[ns], key)
	return nil
}

// RemoveAll deletes every key in a namespace.
func (m *MemStore) RemoveAll(ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, ns)
	return nil
}

// Contains reports whether a key is present.
func (m *MemStore) Contains(ns, key string) (bool, error) {
	_, ok, err := m.Get(ns, key)
	return ok, err
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error {
	return nil
}
