// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the keyed persistent store backing lock policy and
// passcode records. Records live in namespaces: policy records are namespaced
// by account scope, the passcode record is namespaced globally per device.
package store

import "errors"

// ErrClosed is returned when an operation is attempted on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is a namespaced key-value store with atomic commit semantics.
// Implementations must make each call atomic: a Set or SetAll either fully
// persists or leaves the prior state intact.
type Store interface {
	// Get returns the value for key in namespace ns. The second return is
	// false when the key is absent.
	Get(ns, key string) (string, bool, error)

	// Set persists a single key.
	Set(ns, key, value string) error

	// SetAll persists every pair in kv atomically.
	SetAll(ns string, kv map[string]string) error

	// Remove deletes a key. Removing an absent key is not an error.
	Remove(ns, key string) error

	// RemoveAll deletes every key in a namespace.
	RemoveAll(ns string) error

	// Contains reports whether a key is present.
	Contains(ns, key string) (bool, error)

	// Close releases the underlying resources.
	Close() error
}
