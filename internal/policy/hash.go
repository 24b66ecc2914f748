// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// HashConfig carries the salts and key for one hashing purpose. Prefix and
// suffix are prepended/appended to the passcode before digesting; Key keys
// the digest. All three are generated once per installation and persisted.
type HashConfig struct {
	Prefix string
	Suffix string
	Key    string
}

// VerificationConfig hashes passcodes for entry verification. The wrapper
// type exists so a verification config can never be passed where an
// encryption config is expected, or vice versa.
type VerificationConfig struct {
	HashConfig
}

// EncryptionConfig hashes passcodes into the in-memory encryption-derived
// secret. Never persisted alongside a passcode hash.
type EncryptionConfig struct {
	HashConfig
}

// ErrSharedHashMaterial indicates the two configs share salt or key material.
var ErrSharedHashMaterial = errors.New("verification and encryption hash configs share material")

// GenerateHashConfigs creates a fresh pair of hash configs with disjoint
// salt and key material. Disjointness is enforced here, at generation time.
func GenerateHashConfigs() (VerificationConfig, EncryptionConfig, error) {
	v := VerificationConfig{HashConfig{
		Prefix: uuid.NewString(),
		Suffix: uuid.NewString(),
		Key:    uuid.NewString(),
	}}
	e := EncryptionConfig{HashConfig{
		Prefix: uuid.NewString(),
		Suffix: uuid.NewString(),
		Key:    uuid.NewString(),
	}}

	if err := CheckDisjoint(v, e); err != nil {
		return VerificationConfig{}, EncryptionConfig{}, err
	}
	return v, e, nil
}

// CheckDisjoint verifies that no salt or key material is shared between the
// two configs.
func CheckDisjoint(v VerificationConfig, e EncryptionConfig) error {
	seen := map[string]bool{}
	for _, part := range []string{v.Prefix, v.Suffix, v.Key, e.Prefix, e.Suffix, e.Key} {
		if part == "" || seen[part] {
			return ErrSharedHashMaterial
		}
		seen[part] = true
	}
	return nil
}

// hashPasscode computes base64(HMAC-SHA256(prefix + passcode + suffix, key)).
func hashPasscode(passcode string, cfg HashConfig) string {
	mac := hmac.New(sha256.New, []byte(cfg.Key))
	mac.Write([]byte(cfg.Prefix + passcode + cfg.Suffix))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// validateStoredHash checks that a persisted verification hash decodes to a
// full SHA-256 digest. A value that does not is treated as a hard failure,
// never as a match and never as "no passcode configured".
func validateStoredHash(stored string) error {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return fmt.Errorf("stored passcode hash is not valid base64: %w", err)
	}
	if len(raw) != sha256.Size {
		return fmt.Errorf("stored passcode hash has wrong length %d", len(raw))
	}
	return nil
}
