// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for applock.
//
// Configuration lives in TOML with sensible defaults, environment variable
// overrides, and validation.
//
// Configuration file location (in order of precedence):
//   - ~/.applock/config.toml
//   - Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete applock configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Lock policy configuration
	Lock LockConfig `toml:"lock" json:"lock"`

	// Persistent store configuration
	Store StoreConfig `toml:"store" json:"store"`

	// Audit logging configuration
	Audit AuditConfig `toml:"audit" json:"audit"`

	// Vault (secrets at rest) configuration
	Vault VaultConfig `toml:"vault" json:"vault"`
}

// LockConfig contains lock policy configuration.
type LockConfig struct {
	// TimeoutMs is the idle timeout in milliseconds. Zero disables the
	// passcode requirement entirely.
	TimeoutMs int64 `toml:"timeout_ms" json:"timeout_ms"`
	// MinPasscodeLength is the minimum passcode length. Values below the
	// hard floor of 4 are clamped.
	MinPasscodeLength int `toml:"min_passcode_length" json:"min_passcode_length"`
	// TickSecs is the periodic monitor interval in seconds.
	TickSecs int `toml:"tick_secs" json:"tick_secs"`
	// MaxUnlockPerMinute throttles unlock attempts. Zero disables throttling.
	MaxUnlockPerMinute int `toml:"max_unlock_per_minute" json:"max_unlock_per_minute"`
}

// StoreConfig contains the persistent store configuration.
type StoreConfig struct {
	// Path is the SQLite database file (empty = ~/.applock/applock.db).
	Path string `toml:"path" json:"path"`
}

// AuditConfig contains audit logging configuration.
type AuditConfig struct {
	// Enabled enables audit logging.
	Enabled bool `toml:"enabled" json:"enabled"`
	// LogPath is the audit log file (empty = ~/.applock/audit.log).
	LogPath string `toml:"log_path" json:"log_path"`
	// MaxFileSizeBytes rotates the audit log past this size (0 = default).
	MaxFileSizeBytes int64 `toml:"max_file_size_bytes" json:"max_file_size_bytes"`
}

// VaultConfig contains vault configuration.
type VaultConfig struct {
	// SaltPath is the key-derivation salt file (empty = ~/.applock/vault.salt).
	SaltPath string `toml:"salt_path" json:"salt_path"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Lock: LockConfig{
			TimeoutMs:          0, // passcode not required until policy says so
			MinPasscodeLength:  4,
			TickSecs:           20,
			MaxUnlockPerMinute: 10,
		},

		Store: StoreConfig{
			Path: "",
		},

		Audit: AuditConfig{
			Enabled:          true,
			LogPath:          "",
			MaxFileSizeBytes: 0,
		},

		Vault: VaultConfig{
			SaltPath: "",
		},
	}
}

// Timeout returns the configured idle timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Lock.TimeoutMs) * time.Millisecond
}

// TickInterval returns the monitor interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Lock.TickSecs) * time.Second
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the applock configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".applock"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// StorePath returns the effective store database path.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "applock.db"), nil
}

// AuditLogPath returns the effective audit log path.
func (c *Config) AuditLogPath() (string, error) {
	if c.Audit.LogPath != "" {
		return c.Audit.LogPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.log"), nil
}

// VaultSaltPath returns the effective vault salt path.
func (c *Config) VaultSaltPath() (string, error) {
	if c.Vault.SaltPath != "" {
		return c.Vault.SaltPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "vault.salt"), nil
}

// EnsureConfigDir ensures the config directory exists with owner-only access.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions fixes overly permissive config files.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", info.Mode().Perm(), err)
		}
	}
	return nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load loads configuration from the config file, falling back to defaults
// when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		cfg.SetDefaults()
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from an explicit TOML file.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	_ = ensureSecurePermissions(path)

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to the default config path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# applock configuration file")
	fmt.Fprintln(file, "# Generated by applock - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Lock.TimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "lock.timeout_ms",
			Message: fmt.Sprintf("must not be negative, got %d", c.Lock.TimeoutMs),
		})
	}

	if c.Lock.MinPasscodeLength < 4 {
		errs = append(errs, ValidationError{
			Field:   "lock.min_passcode_length",
			Message: fmt.Sprintf("must be at least 4, got %d", c.Lock.MinPasscodeLength),
		})
	}

	if c.Lock.TickSecs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "lock.tick_secs",
			Message: fmt.Sprintf("must be positive, got %d", c.Lock.TickSecs),
		})
	}

	if c.Lock.MaxUnlockPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "lock.max_unlock_per_minute",
			Message: fmt.Sprintf("must not be negative, got %d", c.Lock.MaxUnlockPerMinute),
		})
	}

	if c.Audit.MaxFileSizeBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_file_size_bytes",
			Message: fmt.Sprintf("must not be negative, got %d", c.Audit.MaxFileSizeBytes),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values that should never stay zero and clamps
// out-of-range values to safe bounds.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.Lock.MinPasscodeLength < 4 {
		c.Lock.MinPasscodeLength = 4
	}
	if c.Lock.TickSecs <= 0 {
		c.Lock.TickSecs = 20
	}
	if c.Lock.TimeoutMs < 0 {
		c.Lock.TimeoutMs = 0
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies APPLOCK_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("APPLOCK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
			c.Lock.TimeoutMs = ms
		}
	}

	if v := os.Getenv("APPLOCK_MIN_PASSCODE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Lock.MinPasscodeLength = n
		}
	}

	if v := os.Getenv("APPLOCK_TICK_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Lock.TickSecs = n
		}
	}

	if v := os.Getenv("APPLOCK_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("APPLOCK_AUDIT"); v != "" {
		c.Audit.Enabled = v == "1" || strings.ToLower(v) == "true"
	}

	if v := os.Getenv("APPLOCK_AUDIT_LOG"); v != "" {
		c.Audit.LogPath = v
	}

	if v := os.Getenv("APPLOCK_VAULT_SALT"); v != "" {
		c.Vault.SaltPath = v
	}
}
