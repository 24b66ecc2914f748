// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vault stores secrets at rest under a key derived from the
// passcode. While the session is locked the vault holds no key and every
// read fails; an unlock hands the passcode-derived secret back in and a
// timeout change to "no passcode required" drops the key for good.
//
// Values are sealed with AES-256-GCM. The key is derived from the secret
// with PBKDF2-SHA-256 over a per-device salt file.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/applock/internal/store"
	"github.com/jeranaias/applock/internal/util"
)

// SealedPrefix marks a stored value as sealed (format: ENC:base64(nonce|ciphertext|tag)).
const SealedPrefix = "ENC:"

// NonceSize is the AES-GCM nonce size (96 bits).
const NonceSize = 12

// KeySize is the AES-256 key size.
const KeySize = 32

// SaltSize is the key-derivation salt size.
const SaltSize = 32

// PBKDF2Iterations is the PBKDF2-SHA-256 iteration count. OWASP recommends
// 600,000+ against brute force on modern hardware.
const PBKDF2Iterations = 600000

const nsVault = "vault"

var (
	// ErrNoKey indicates the vault holds no key; the session is locked or
	// the passcode requirement was removed.
	ErrNoKey = errors.New("vault key not set")
	// ErrInvalidCiphertext indicates the stored value is not a sealed record.
	ErrInvalidCiphertext = errors.New("invalid sealed value format")
	// ErrOpenFailed indicates unsealing failed (wrong key or tampered data).
	ErrOpenFailed = errors.New("unseal failed: authentication tag mismatch")
)

// ZeroBytes zeros sensitive byte slices to limit key material exposure in
// crash dumps.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateSalt generates a cryptographically secure random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives the vault key from the passcode-derived secret and salt
// using PBKDF2-SHA-256.
func DeriveKey(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// Vault seals and unseals named secrets in the persistent store.
type Vault struct {
	mu       sync.RWMutex
	st       store.Store
	saltPath string
	aead     cipher.AEAD
}

// New creates a vault over st. saltPath locates the key-derivation salt
// file; it is created on first SetKey.
func New(st store.Store, saltPath string) *Vault {
	return &Vault{st: st, saltPath: saltPath}
}

// SetKey derives the vault key from the passcode-derived secret and arms
// the cipher. The salt file is created on first use. Hosts call this right
// after a successful unlock.
func (v *Vault) SetKey(secret string) error {
	if secret == "" {
		return ErrNoKey
	}

	salt, err := v.loadOrCreateSalt()
	if err != nil {
		return err
	}

	key := DeriveKey(secret, salt)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	v.mu.Lock()
	v.aead = aead
	v.mu.Unlock()
	return nil
}

// DropKey discards the in-memory key. Sealed records stay in the store but
// cannot be opened until SetKey is called again.
func (v *Vault) DropKey() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.aead = nil
}

// HasKey reports whether the vault is armed.
func (v *Vault) HasKey() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.aead != nil
}

func (v *Vault) loadOrCreateSalt() ([]byte, error) {
	salt, err := os.ReadFile(v.saltPath)
	if err == nil {
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("salt file %s is corrupt", v.saltPath)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt, err = GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := util.AtomicWriteFileWithDir(v.saltPath, salt, 0600, 0700); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

// Put seals plaintext under name. Fails with ErrNoKey while locked.
func (v *Vault) Put(name, plaintext string) error {
	sealed, err := v.seal([]byte(plaintext))
	if err != nil {
		return err
	}
	if err := v.st.Set(nsVault, name, sealed); err != nil {
		return fmt.Errorf("failed to store sealed value: %w", err)
	}
	return nil
}

// Fetch unseals the value stored under name. The second return is false
// when no value exists.
func (v *Vault) Fetch(name string) (string, bool, error) {
	sealed, ok, err := v.st.Get(nsVault, name)
	if err != nil {
		return "", false, fmt.Errorf("failed to read sealed value: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	plaintext, err := v.open(sealed)
	if err != nil {
		return "", false, err
	}
	return string(plaintext), true, nil
}

// Delete removes the value stored under name.
func (v *Vault) Delete(name string) error {
	return v.st.Remove(nsVault, name)
}

// Wipe removes every sealed record and the salt file. After a wipe,
// previously sealed data is unrecoverable even with the old passcode.
func (v *Vault) Wipe() error {
	v.DropKey()

	if err := v.st.RemoveAll(nsVault); err != nil {
		return fmt.Errorf("failed to wipe vault records: %w", err)
	}
	if err := os.Remove(v.saltPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove salt file: %w", err)
	}
	return nil
}

// seal encrypts plaintext as ENC:base64(nonce || ciphertext || tag).
func (v *Vault) seal(plaintext []byte) (string, error) {
	v.mu.RLock()
	aead := v.aead
	v.mu.RUnlock()

	if aead == nil {
		return "", ErrNoKey
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// open decrypts a sealed value produced by seal.
func (v *Vault) open(sealed string) ([]byte, error) {
	v.mu.RLock()
	aead := v.aead
	v.mu.RUnlock()

	if aead == nil {
		return nil, ErrNoKey
	}
	if !strings.HasPrefix(sealed, SealedPrefix) {
		return nil, ErrInvalidCiphertext
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(data) < NonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// IsSealed reports whether a stored value carries the sealed marker.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}
