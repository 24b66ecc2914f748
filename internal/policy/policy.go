// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/applock/internal/account"
	"github.com/jeranaias/applock/internal/audit"
	"github.com/jeranaias/applock/internal/store"
)

// MinPasscodeLength is the hard floor for passcode length. The configured
// minimum may be raised above it but never lowered below it.
const MinPasscodeLength = 4

// Store namespaces and keys.
const (
	nsDevice       = "device" // passcode hash and hash configs, global per device
	nsPolicyPrefix = "policy" // + account scope suffix

	keyPasscode       = "passcode"
	keyTimeout        = "access_timeout_ms"
	keyPasscodeLength = "passcode_length"

	keyVPrefix = "vprefix"
	keyVSuffix = "vsuffix"
	keyVKey    = "vkey"
	keyEPrefix = "eprefix"
	keyESuffix = "esuffix"
	keyEKey    = "ekey"
)

// Event is a lock lifecycle notification delivered to the Presenter.
type Event int

const (
	// EventAppLocked fires when the session transitions to LOCKED.
	EventAppLocked Event = iota
	// EventAppUnlocked fires when the session transitions to UNLOCKED.
	EventAppUnlocked
)

// Presenter is the host UI collaborator. ShowLockScreen is only invoked
// while a user-visible surface is active; Notify fires on every lock and
// unlock transition. Implementations must not call back into the policy
// from these methods.
type Presenter interface {
	ShowLockScreen(scope account.Scope)
	Notify(ev Event)
}

// SecretKeeper is the secret-management collaborator holding material
// encrypted under the passcode-derived secret. DropKey is invoked when the
// policy transitions to "no passcode required".
type SecretKeeper interface {
	DropKey()
}

// LockPolicy tracks elapsed idle time for a logged-in session, decides when
// the session must be re-secured behind a passcode, and derives the two
// purpose-separated passcode hashes.
//
// One instance exists per session. All mutation is serialized behind a
// single mutex so that the read-then-write sequences in ShouldLock,
// LockIfNeeded and Unlock are atomic as a unit.
type LockPolicy struct {
	mu sync.Mutex

	st         store.Store
	persistent bool
	scope      account.Scope
	policyNS   string

	verification VerificationConfig
	encryption   EncryptionConfig

	timeout           time.Duration
	minPasscodeLength int
	lastActivity      time.Time
	locked            bool
	surfaceVisible    bool
	failedAttempts    int

	// passcodeHash is the encryption-derived secret. It exists only in
	// memory while the session is unlocked and is never persisted.
	passcodeHash string

	presenter Presenter
	auditor   *audit.Logger
	secrets   SecretKeeper
	monitor   *PeriodicMonitor

	sched        Scheduler
	tickInterval time.Duration

	now func() time.Time
}

// Option configures a LockPolicy.
type Option func(*LockPolicy)

// WithPresenter sets the host UI collaborator.
func WithPresenter(p Presenter) Option {
	return func(lp *LockPolicy) { lp.presenter = p }
}

// WithAuditLogger sets the audit logger for lock lifecycle events.
func WithAuditLogger(l *audit.Logger) Option {
	return func(lp *LockPolicy) { lp.auditor = l }
}

// WithSecretKeeper sets the secret-management collaborator.
func WithSecretKeeper(k SecretKeeper) Option {
	return func(lp *LockPolicy) { lp.secrets = k }
}

// WithScheduler overrides the scheduler driving the periodic monitor.
func WithScheduler(s Scheduler) Option {
	return func(lp *LockPolicy) { lp.sched = s }
}

// WithTickInterval overrides the periodic monitor interval.
func WithTickInterval(d time.Duration) Option {
	return func(lp *LockPolicy) {
		if d > 0 {
			lp.tickInterval = d
		}
	}
}

// WithClock overrides the time source. Tests use this to simulate idle time.
func WithClock(now func() time.Time) Option {
	return func(lp *LockPolicy) {
		if now != nil {
			lp.now = now
		}
	}
}

// WithHashConfigs supplies an explicit config pair instead of loading or
// generating one. The pair must be disjoint.
func WithHashConfigs(v VerificationConfig, e EncryptionConfig) Option {
	return func(lp *LockPolicy) {
		lp.verification = v
		lp.encryption = e
	}
}

// New creates the lock policy for a session. The persisted timeout and
// passcode length for the scope are read immediately; a missing record is
// first-run, not an error, and defaults are applied and persisted. The
// policy starts LOCKED.
//
// A nil store degrades to in-memory state: nothing persists, nothing crashes.
func New(st store.Store, scope account.Scope, opts ...Option) (*LockPolicy, error) {
	p := &LockPolicy{
		st:                st,
		persistent:        st != nil,
		scope:             scope,
		policyNS:          nsPolicyPrefix + scope.PolicySuffix(),
		minPasscodeLength: MinPasscodeLength,
		locked:            true,
		now:               time.Now,
		sched:             TimerScheduler{},
		tickInterval:      DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lastActivity = p.now()

	if p.st == nil {
		p.st = store.NewMem()
	}

	if err := p.initHashConfigs(); err != nil {
		return nil, err
	}
	if err := CheckDisjoint(p.verification, p.encryption); err != nil {
		return nil, err
	}

	if err := p.readPolicy(); err != nil {
		return nil, err
	}

	p.monitor = NewPeriodicMonitor(p.sched, p.tickInterval, p.monitorTick)
	return p, nil
}

// initHashConfigs loads the persisted hash config pair, generating and
// persisting a fresh pair on first run. A partially persisted pair is
// treated as first run; configs are never regenerated once fully stored.
func (p *LockPolicy) initHashConfigs() error {
	if p.verification.Key != "" || p.encryption.Key != "" {
		return nil // supplied via WithHashConfigs
	}

	keys := []string{keyVPrefix, keyVSuffix, keyVKey, keyEPrefix, keyESuffix, keyEKey}
	values := make(map[string]string, len(keys))
	complete := true
	for _, k := range keys {
		v, ok, err := p.st.Get(nsDevice, k)
		if err != nil {
			return fmt.Errorf("failed to read hash config: %w", err)
		}
		if !ok || v == "" {
			complete = false
			break
		}
		values[k] = v
	}

	if complete {
		p.verification = VerificationConfig{HashConfig{
			Prefix: values[keyVPrefix], Suffix: values[keyVSuffix], Key: values[keyVKey],
		}}
		p.encryption = EncryptionConfig{HashConfig{
			Prefix: values[keyEPrefix], Suffix: values[keyESuffix], Key: values[keyEKey],
		}}
		return nil
	}

	v, e, err := GenerateHashConfigs()
	if err != nil {
		return err
	}
	p.verification, p.encryption = v, e

	if p.persistent {
		err := p.st.SetAll(nsDevice, map[string]string{
			keyVPrefix: v.Prefix, keyVSuffix: v.Suffix, keyVKey: v.Key,
			keyEPrefix: e.Prefix, keyESuffix: e.Suffix, keyEKey: e.Key,
		})
		if err != nil {
			return fmt.Errorf("failed to persist hash configs: %w", err)
		}
	}
	return nil
}

// readPolicy loads timeout and passcode length for the current scope.
// Missing or unparseable records mean first run: defaults are applied and
// written back.
func (p *LockPolicy) readPolicy() error {
	rawTimeout, okT, err := p.st.Get(p.policyNS, keyTimeout)
	if err != nil {
		return fmt.Errorf("failed to read policy: %w", err)
	}
	rawLength, okL, err := p.st.Get(p.policyNS, keyPasscodeLength)
	if err != nil {
		return fmt.Errorf("failed to read policy: %w", err)
	}

	if okT && okL {
		ms, errT := strconv.ParseInt(rawTimeout, 10, 64)
		length, errL := strconv.Atoi(rawLength)
		if errT == nil && errL == nil && ms >= 0 {
			p.timeout = time.Duration(ms) * time.Millisecond
			p.minPasscodeLength = length
			if p.minPasscodeLength < MinPasscodeLength {
				p.minPasscodeLength = MinPasscodeLength
			}
			return nil
		}
	}

	// First run for this scope.
	p.timeout = 0
	p.minPasscodeLength = MinPasscodeLength
	return p.persistPolicyLocked()
}

// persistPolicyLocked writes the current timeout and length atomically.
// Caller must hold mu (or be inside construction).
func (p *LockPolicy) persistPolicyLocked() error {
	if !p.persistent {
		return nil
	}
	err := p.st.SetAll(p.policyNS, map[string]string{
		keyTimeout:        strconv.FormatInt(p.timeout.Milliseconds(), 10),
		keyPasscodeLength: strconv.Itoa(p.minPasscodeLength),
	})
	if err != nil {
		return fmt.Errorf("failed to persist policy: %w", err)
	}
	return nil
}

// =============================================================================
// LOCK STATE
// =============================================================================

// IsLocked reports whether the session is locked. A zero timeout always
// reports unlocked, even when the internal flag is stale true.
func (p *LockPolicy) IsLocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isLockedLocked()
}

func (p *LockPolicy) isLockedLocked() bool {
	return p.timeout > 0 && p.locked
}

// ShouldLock reports whether the idle timeout has elapsed. Once true it
// stays true until an interaction or unlock refreshes the activity stamp.
func (p *LockPolicy) ShouldLock() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldLockLocked()
}

func (p *LockPolicy) shouldLockLocked() bool {
	return p.timeout > 0 && !p.now().Before(p.lastActivity.Add(p.timeout))
}

// Lock forces the LOCKED transition regardless of elapsed time.
func (p *LockPolicy) Lock() {
	p.mu.Lock()
	show := p.applyLockLocked()
	scope := p.scope
	p.mu.Unlock()

	p.announceLocked(show, scope)
}

// applyLockLocked flips the flag and reports whether the lock surface
// should be presented. Caller must hold mu.
func (p *LockPolicy) applyLockLocked() bool {
	p.locked = true
	return p.surfaceVisible
}

// announceLocked notifies collaborators of a LOCKED transition. Must be
// called without holding mu; scope is captured under the lock.
func (p *LockPolicy) announceLocked(show bool, scope account.Scope) {
	if p.presenter != nil {
		if show {
			p.presenter.ShowLockScreen(scope)
		}
		p.presenter.Notify(EventAppLocked)
	}
	_ = p.auditor.Log(audit.Event{
		EventType: audit.EventLocked,
		Scope:     scope.StorageKey(),
		Success:   true,
	})
}

// LockIfNeeded performs the LOCKED transition when the policy is enabled
// and the session is locked or overdue, returning true. Otherwise it
// optionally records an interaction and returns false.
//
// surfaceActive marks that a user-visible surface is (still) in front;
// periodic ticks pass false for both arguments.
func (p *LockPolicy) LockIfNeeded(surfaceActive, recordInteraction bool) bool {
	p.mu.Lock()
	if surfaceActive {
		p.surfaceVisible = true
	}
	if p.monitor.Running() && (p.isLockedLocked() || p.shouldLockLocked()) {
		show := p.applyLockLocked()
		scope := p.scope
		p.mu.Unlock()
		p.announceLocked(show, scope)
		return true
	}
	if recordInteraction {
		p.lastActivity = p.now()
	}
	p.mu.Unlock()
	return false
}

// RecordInteraction refreshes the idle clock. Hosts call this on every
// meaningful user action.
func (p *LockPolicy) RecordInteraction() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = p.now()
}

// SurfaceGone marks that no user-visible surface remains in front; the
// lock surface will not be presented again until one returns.
func (p *LockPolicy) SurfaceGone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surfaceVisible = false
}

// monitorTick is the periodic safety net. A locked session waits for an
// explicit unlock; nothing is re-prompted from here.
func (p *LockPolicy) monitorTick() {
	p.mu.Lock()
	lockedNow := p.locked
	p.mu.Unlock()

	if !lockedNow {
		p.LockIfNeeded(false, false)
	}
}

// =============================================================================
// PASSCODE
// =============================================================================

// Check reports whether the entered passcode matches the persisted
// verification hash. With no passcode stored, Check succeeds vacuously.
// A malformed stored hash is a hard error, never a match.
func (p *LockPolicy) Check(passcode string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok, err := p.st.Get(nsDevice, keyPasscode)
	if err != nil {
		return false, fmt.Errorf("failed to read stored passcode: %w", err)
	}
	if !ok {
		return true, nil
	}

	// Older persistence layers appended a newline on write; strip on read.
	stored = strings.TrimRight(stored, "\n")
	if err := validateStoredHash(stored); err != nil {
		return false, err
	}

	entered := hashPasscode(passcode, p.verification.HashConfig)
	return subtle.ConstantTimeCompare([]byte(stored), []byte(entered)) == 1, nil
}

// Store persists the verification hash of passcode, overwriting any prior
// value. It does not unlock. The write path never appends a newline.
func (p *LockPolicy) Store(passcode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(passcode) < p.minPasscodeLength {
		return fmt.Errorf("passcode must be at least %d characters", p.minPasscodeLength)
	}

	if err := p.st.Set(nsDevice, keyPasscode, hashPasscode(passcode, p.verification.HashConfig)); err != nil {
		return fmt.Errorf("failed to store passcode: %w", err)
	}

	_ = p.auditor.Log(audit.Event{
		EventType: audit.EventPasscodeStored,
		Scope:     p.scope.StorageKey(),
		Success:   true,
	})
	return nil
}

// HasStoredPasscode reports whether a passcode has been created.
func (p *LockPolicy) HasStoredPasscode() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.Contains(nsDevice, keyPasscode)
}

// Unlock performs the UNLOCKED transition: clears the failure counter,
// derives and caches the encryption secret from the entered passcode, and
// refreshes the idle clock. Callers must verify the passcode with Check
// first; Unlock does not re-verify.
func (p *LockPolicy) Unlock(passcode string) {
	p.mu.Lock()
	p.locked = false
	p.failedAttempts = 0
	p.passcodeHash = hashPasscode(passcode, p.encryption.HashConfig)
	p.lastActivity = p.now()
	scope := p.scope
	p.mu.Unlock()

	if p.presenter != nil {
		p.presenter.Notify(EventAppUnlocked)
	}
	_ = p.auditor.Log(audit.Event{
		EventType: audit.EventUnlocked,
		Scope:     scope.StorageKey(),
		Success:   true,
	})
}

// AddFailedAttempt increments the failed-attempt counter and returns the
// new value. The host decides lockout or wipe policy from it.
func (p *LockPolicy) AddFailedAttempt() int {
	p.mu.Lock()
	p.failedAttempts++
	count := p.failedAttempts
	scope := p.scope
	p.mu.Unlock()

	_ = p.auditor.Log(audit.Event{
		EventType: audit.EventPasscodeAttempt,
		Scope:     scope.StorageKey(),
		Success:   false,
		Metadata:  map[string]string{"attempts": strconv.Itoa(count)},
	})
	return count
}

// FailedAttempts returns the current failure count.
func (p *LockPolicy) FailedAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failedAttempts
}

// EncryptionSecret returns the passcode-derived secret cached by Unlock,
// or "" while locked. It is key material, never persisted.
func (p *LockPolicy) EncryptionSecret() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.passcodeHash
}

// HashForVerification hashes a passcode with the verification config.
func (p *LockPolicy) HashForVerification(passcode string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return hashPasscode(passcode, p.verification.HashConfig)
}

// HashForEncryption hashes a passcode with the encryption config.
func (p *LockPolicy) HashForEncryption(passcode string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return hashPasscode(passcode, p.encryption.HashConfig)
}

// =============================================================================
// POLICY CHANGES
// =============================================================================

// Timeout returns the configured idle timeout; zero means no passcode is
// required.
func (p *LockPolicy) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// MinLength returns the configured minimum passcode length.
func (p *LockPolicy) MinLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minPasscodeLength
}

// SetMinLength raises the minimum passcode length. Values below the floor
// are clamped to it.
func (p *LockPolicy) SetMinLength(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n < MinPasscodeLength {
		n = MinPasscodeLength
	}
	p.minPasscodeLength = n
	return p.persistPolicyLocked()
}

// SetTimeout applies a new idle timeout.
//
// An unchanged value is a no-op. A change between non-zero values, or from
// zero to non-zero, updates and persists the policy without touching
// passcode state; after a zero-to-non-zero change the host must check
// HasStoredPasscode and prompt for creation. A change to zero means the
// passcode is no longer required: the secret keeper drops the derived key
// and the policy fully resets.
func (p *LockPolicy) SetTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", d)
	}

	p.mu.Lock()
	switch {
	case d == p.timeout:
		p.mu.Unlock()
		return nil

	case p.timeout == 0 || d > 0:
		p.timeout = d
		err := p.persistPolicyLocked()
		scope := p.scope
		p.mu.Unlock()

		_ = p.auditor.Log(audit.Event{
			EventType: audit.EventPolicyChanged,
			Scope:     scope.StorageKey(),
			Success:   err == nil,
			Metadata:  map[string]string{"timeout_ms": strconv.FormatInt(d.Milliseconds(), 10)},
		})
		return err

	default: // passcode to no passcode
		p.timeout = 0
		keeper := p.secrets
		p.mu.Unlock()

		if keeper != nil {
			keeper.DropKey()
		}
		return p.Reset()
	}
}

// Reset returns the policy to a fresh LOCKED-with-no-passcode state:
// deletes the stored passcode hash, clears the in-memory secret and the
// failure counter, re-persists zeroed policy, and unschedules the monitor.
func (p *LockPolicy) Reset() error {
	p.mu.Lock()
	p.lastActivity = p.now()
	p.locked = true
	p.failedAttempts = 0
	p.passcodeHash = ""
	p.timeout = 0
	p.minPasscodeLength = MinPasscodeLength

	var firstErr error
	if err := p.st.Remove(nsDevice, keyPasscode); err != nil {
		firstErr = fmt.Errorf("failed to delete stored passcode: %w", err)
	}
	if err := p.persistPolicyLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	scope := p.scope
	p.mu.Unlock()

	p.monitor.Stop()

	_ = p.auditor.Log(audit.Event{
		EventType: audit.EventPolicyReset,
		Scope:     scope.StorageKey(),
		Success:   firstErr == nil,
	})
	return firstErr
}

// SetAccountScope re-points the policy at a different identity scope and
// reloads the persisted policy record for it.
func (p *LockPolicy) SetAccountScope(scope account.Scope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.scope = scope
	p.policyNS = nsPolicyPrefix + scope.PolicySuffix()
	return p.readPolicy()
}

// Scope returns the account scope the policy is bound to.
func (p *LockPolicy) Scope() account.Scope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scope
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// SetEnabled schedules or cancels the periodic monitor. Both directions
// are idempotent: enabling twice leaves exactly one pending tick.
func (p *LockPolicy) SetEnabled(enabled bool) {
	if enabled {
		p.monitor.Start()
	} else {
		p.monitor.Stop()
	}
}

// IsEnabled reports whether the periodic monitor is scheduled.
func (p *LockPolicy) IsEnabled() bool {
	return p.monitor.Running()
}

// OnResume is called when a passcode-protected surface comes to front. It
// enables the monitor and locks if overdue. The return is false when the
// lock surface is being shown; the host resumes after a successful unlock.
func (p *LockPolicy) OnResume() bool {
	p.SetEnabled(true)
	p.LockIfNeeded(true, true)
	return !p.IsLocked()
}

// OnPause is called when the protected surface leaves the foreground.
func (p *LockPolicy) OnPause() {
	p.SetEnabled(false)
}
