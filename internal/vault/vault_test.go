// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/applock/internal/store"
)

func newTestVault(t *testing.T) (*Vault, *store.MemStore, string) {
	t.Helper()
	st := store.NewMem()
	saltPath := filepath.Join(t.TempDir(), "vault.salt")
	return New(st, saltPath), st, saltPath
}

func TestVaultRoundTrip(t *testing.T) {
	v, _, _ := newTestVault(t)
	require.NoError(t, v.SetKey("derived-secret"))

	require.NoError(t, v.Put("refresh_token", "tok-123"))

	value, ok, err := v.Fetch("refresh_token")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-123", value)
}

func TestVaultFetchMissing(t *testing.T) {
	v, _, _ := newTestVault(t)
	require.NoError(t, v.SetKey("derived-secret"))

	_, ok, err := v.Fetch("absent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVaultRequiresKey(t *testing.T) {
	v, _, _ := newTestVault(t)
	require.False(t, v.HasKey())

	require.ErrorIs(t, v.Put("name", "value"), ErrNoKey)

	require.NoError(t, v.SetKey("derived-secret"))
	require.True(t, v.HasKey())
	require.NoError(t, v.Put("name", "value"))

	v.DropKey()
	require.False(t, v.HasKey())
	_, _, err := v.Fetch("name")
	require.ErrorIs(t, err, ErrNoKey)
}

func TestVaultWrongKeyFailsToOpen(t *testing.T) {
	v, st, saltPath := newTestVault(t)
	require.NoError(t, v.SetKey("right-secret"))
	require.NoError(t, v.Put("name", "value"))

	other := New(st, saltPath)
	require.NoError(t, other.SetKey("wrong-secret"))

	_, _, err := other.Fetch("name")
	require.ErrorIs(t, err, ErrOpenFailed)
}

func TestVaultSurvivesRearm(t *testing.T) {
	v, st, saltPath := newTestVault(t)
	require.NoError(t, v.SetKey("derived-secret"))
	require.NoError(t, v.Put("name", "value"))
	v.DropKey()

	// Same secret, fresh vault instance, same salt file.
	reopened := New(st, saltPath)
	require.NoError(t, reopened.SetKey("derived-secret"))

	value, ok, err := reopened.Fetch("name")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value", value)
}

func TestVaultRejectsTamperedValue(t *testing.T) {
	v, st, _ := newTestVault(t)
	require.NoError(t, v.SetKey("derived-secret"))
	require.NoError(t, v.Put("name", "value"))

	sealed, ok, err := st.Get("vault", "name")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, IsSealed(sealed))

	// Flip the final base64 character.
	tampered := sealed[:len(sealed)-2] + "AA"
	require.NoError(t, st.Set("vault", "name", tampered))

	_, _, err = v.Fetch("name")
	require.Error(t, err)
}

func TestVaultRejectsUnsealedValue(t *testing.T) {
	v, st, _ := newTestVault(t)
	require.NoError(t, v.SetKey("derived-secret"))
	require.NoError(t, st.Set("vault", "name", "plaintext"))

	_, _, err := v.Fetch("name")
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestVaultWipe(t *testing.T) {
	v, st, saltPath := newTestVault(t)
	require.NoError(t, v.SetKey("derived-secret"))
	require.NoError(t, v.Put("name", "value"))

	require.NoError(t, v.Wipe())
	require.False(t, v.HasKey())

	ok, err := st.Contains("vault", "name")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = os.Stat(saltPath)
	require.True(t, os.IsNotExist(err))

	// Wiping twice is fine.
	require.NoError(t, v.Wipe())
}

func TestVaultSaltFilePermissions(t *testing.T) {
	v, _, saltPath := newTestVault(t)
	require.NoError(t, v.SetKey("derived-secret"))

	info, err := os.Stat(saltPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestVaultDelete(t *testing.T) {
	v, _, _ := newTestVault(t)
	require.NoError(t, v.SetKey("derived-secret"))
	require.NoError(t, v.Put("name", "value"))

	require.NoError(t, v.Delete("name"))
	_, ok, err := v.Fetch("name")
	require.NoError(t, err)
	require.False(t, ok)
}
