// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/applock/internal/account"
	"github.com/jeranaias/applock/internal/store"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeScheduler captures scheduled callbacks for manual firing.
type fakeScheduler struct {
	mu      sync.Mutex
	pending []*fakeTimer
}

type fakeTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

func (s *fakeScheduler) After(d time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	s.pending = append(s.pending, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.cancelled = true
	}
}

// Fire runs every currently pending non-cancelled callback. Callbacks that
// reschedule land in the next batch.
func (s *fakeScheduler) Fire() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, t := range batch {
		s.mu.Lock()
		cancelled := t.cancelled
		s.mu.Unlock()
		if !cancelled {
			t.fn()
		}
	}
}

func (s *fakeScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.pending {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// fakePresenter records lock surface presentations and notifications.
type fakePresenter struct {
	mu     sync.Mutex
	shown  int
	events []Event
}

func (p *fakePresenter) ShowLockScreen(_ account.Scope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown++
}

func (p *fakePresenter) Notify(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePresenter) Shown() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shown
}

func (p *fakePresenter) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// fakeKeeper counts DropKey invocations.
type fakeKeeper struct {
	mu    sync.Mutex
	drops int
}

func (k *fakeKeeper) DropKey() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.drops++
}

func (k *fakeKeeper) Drops() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.drops
}

type testEnv struct {
	policy    *LockPolicy
	store     *store.MemStore
	clock     *fakeClock
	sched     *fakeScheduler
	presenter *fakePresenter
	keeper    *fakeKeeper
}

func newTestPolicy(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     store.NewMem(),
		clock:     newFakeClock(),
		sched:     &fakeScheduler{},
		presenter: &fakePresenter{},
		keeper:    &fakeKeeper{},
	}
	base := []Option{
		WithClock(env.clock.Now),
		WithScheduler(env.sched),
		WithPresenter(env.presenter),
		WithSecretKeeper(env.keeper),
	}
	p, err := New(env.store, account.Scope{}, append(base, opts...)...)
	require.NoError(t, err)
	env.policy = p
	return env
}

func TestNewStartsLockedWithDefaults(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy

	// Zero timeout means no passcode is required, so the stale locked
	// flag must not surface.
	require.False(t, p.IsLocked())
	require.Equal(t, time.Duration(0), p.Timeout())
	require.Equal(t, MinPasscodeLength, p.MinLength())

	// Enabling a timeout exposes the initial LOCKED state.
	require.NoError(t, p.SetTimeout(time.Minute))
	require.True(t, p.IsLocked())
}

func TestFirstRunPersistsDefaults(t *testing.T) {
	env := newTestPolicy(t)

	v, ok, err := env.store.Get("policy", "access_timeout_ms")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0", v)

	v, ok, err = env.store.Get("policy", "passcode_length")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "4", v)
}

func TestPolicySurvivesReconstruction(t *testing.T) {
	env := newTestPolicy(t)
	require.NoError(t, env.policy.SetTimeout(5*time.Minute))
	require.NoError(t, env.policy.SetMinLength(6))

	p2, err := New(env.store, account.Scope{}, WithClock(env.clock.Now), WithScheduler(env.sched))
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, p2.Timeout())
	require.Equal(t, 6, p2.MinLength())
}

func TestShouldLockBoundary(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	p.RecordInteraction()

	env.clock.Advance(time.Minute - time.Millisecond)
	require.False(t, p.ShouldLock())

	// Exactly at the boundary counts as overdue.
	env.clock.Advance(time.Millisecond)
	require.True(t, p.ShouldLock())

	// Overdue is sticky until activity refreshes the stamp.
	env.clock.Advance(time.Hour)
	require.True(t, p.ShouldLock())
	p.RecordInteraction()
	require.False(t, p.ShouldLock())
}

func TestShouldLockDisabledWithZeroTimeout(t *testing.T) {
	env := newTestPolicy(t)
	env.clock.Advance(24 * time.Hour)
	require.False(t, env.policy.ShouldLock())
}

func TestLockIfNeededRecordsInteraction(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	p.Unlock("235813")
	p.SetEnabled(true)

	env.clock.Advance(30 * time.Second)
	require.False(t, p.LockIfNeeded(true, true))

	// The interaction above refreshed the stamp, so another 30s is fine.
	env.clock.Advance(45 * time.Second)
	require.False(t, p.LockIfNeeded(true, true))

	env.clock.Advance(time.Minute)
	require.True(t, p.LockIfNeeded(true, false))
	require.True(t, p.IsLocked())
}

func TestLockIfNeededRequiresEnabled(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	p.Unlock("235813")

	env.clock.Advance(2 * time.Minute)
	require.False(t, p.LockIfNeeded(false, false))

	p.SetEnabled(true)
	require.True(t, p.LockIfNeeded(false, false))
}

func TestLockPresentsOnlyWithVisibleSurface(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	p.SetEnabled(true)
	p.Unlock("235813")

	// No surface registered yet: notify fires, surface does not.
	env.clock.Advance(2 * time.Minute)
	require.True(t, p.LockIfNeeded(false, false))
	require.Equal(t, 0, env.presenter.Shown())

	p.Unlock("235813")
	env.clock.Advance(2 * time.Minute)
	require.True(t, p.LockIfNeeded(true, false))
	require.Equal(t, 1, env.presenter.Shown())

	// SurfaceGone suppresses presentation again.
	p.Unlock("235813")
	p.SurfaceGone()
	env.clock.Advance(2 * time.Minute)
	require.True(t, p.LockIfNeeded(false, false))
	require.Equal(t, 1, env.presenter.Shown())
}

func TestLockNotifiesPresenter(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))

	p.Unlock("235813")
	p.Lock()

	events := env.presenter.Events()
	require.Equal(t, []Event{EventAppUnlocked, EventAppLocked}, events)
}

func TestCheckVacuousWithoutPasscode(t *testing.T) {
	env := newTestPolicy(t)

	ok, err := env.policy.Check("anything")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckMatchAndMismatch(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.Store("235813"))

	ok, err := p.Check("235813")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.Check("112358")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckStripsTrailingNewline(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.Store("235813"))

	// Simulate a legacy record written with a trailing newline.
	stored, ok, err := env.store.Get("device", "passcode")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, env.store.Set("device", "passcode", stored+"\n"))

	match, err := p.Check("235813")
	require.NoError(t, err)
	require.True(t, match)
}

func TestCheckRejectsMalformedHash(t *testing.T) {
	env := newTestPolicy(t)
	require.NoError(t, env.store.Set("device", "passcode", "not base64!!"))

	ok, err := env.policy.Check("235813")
	require.Error(t, err)
	require.False(t, ok)

	// Valid base64 of the wrong length is also malformed.
	require.NoError(t, env.store.Set("device", "passcode", "c2hvcnQ="))
	ok, err = env.policy.Check("235813")
	require.Error(t, err)
	require.False(t, ok)
}

func TestStoreEnforcesMinLength(t *testing.T) {
	env := newTestPolicy(t)
	require.Error(t, env.policy.Store("123"))
	require.NoError(t, env.policy.Store("1234"))

	require.NoError(t, env.policy.SetMinLength(6))
	require.Error(t, env.policy.Store("12345"))
	require.NoError(t, env.policy.Store("123456"))
}

func TestHasStoredPasscode(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy

	has, err := p.HasStoredPasscode()
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, p.Store("235813"))
	has, err = p.HasStoredPasscode()
	require.NoError(t, err)
	require.True(t, has)
}

func TestUnlockClearsAttemptsAndDerivesSecret(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	require.NoError(t, p.Store("235813"))

	require.Equal(t, 1, p.AddFailedAttempt())
	require.Equal(t, 2, p.AddFailedAttempt())
	require.Equal(t, 2, p.FailedAttempts())
	require.Empty(t, p.EncryptionSecret())

	p.Unlock("235813")
	require.False(t, p.IsLocked())
	require.Equal(t, 0, p.FailedAttempts())

	secret := p.EncryptionSecret()
	require.NotEmpty(t, secret)
	require.Equal(t, p.HashForEncryption("235813"), secret)

	// The verification hash in the store must never equal the secret.
	stored, _, err := env.store.Get("device", "passcode")
	require.NoError(t, err)
	require.NotEqual(t, secret, stored)
}

func TestUnlockRefreshesActivity(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))

	env.clock.Advance(time.Hour)
	p.Unlock("235813")
	require.False(t, p.ShouldLock())
}

func TestSetTimeoutNoOp(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	require.NoError(t, p.Store("235813"))

	require.NoError(t, p.SetTimeout(time.Minute))

	has, err := p.HasStoredPasscode()
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, 0, env.keeper.Drops())
}

func TestSetTimeoutUpdateKeepsPasscode(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	require.NoError(t, p.Store("235813"))

	require.NoError(t, p.SetTimeout(5*time.Minute))
	require.Equal(t, 5*time.Minute, p.Timeout())

	has, err := p.HasStoredPasscode()
	require.NoError(t, err)
	require.True(t, has)

	v, _, err := env.store.Get("policy", "access_timeout_ms")
	require.NoError(t, err)
	require.Equal(t, "300000", v)
}

func TestSetTimeoutZeroDropsKeyAndResets(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	require.NoError(t, p.Store("235813"))
	p.Unlock("235813")
	p.SetEnabled(true)

	require.NoError(t, p.SetTimeout(0))

	require.Equal(t, 1, env.keeper.Drops())
	require.Equal(t, time.Duration(0), p.Timeout())
	require.Empty(t, p.EncryptionSecret())
	require.False(t, p.IsEnabled())

	has, err := p.HasStoredPasscode()
	require.NoError(t, err)
	require.False(t, has)
}

func TestSetTimeoutRejectsNegative(t *testing.T) {
	env := newTestPolicy(t)
	require.Error(t, env.policy.SetTimeout(-time.Second))
}

func TestResetClearsEverything(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	require.NoError(t, p.SetMinLength(8))
	require.NoError(t, p.Store("23581321"))
	p.Unlock("23581321")
	p.AddFailedAttempt()
	p.SetEnabled(true)

	require.NoError(t, p.Reset())

	require.Equal(t, time.Duration(0), p.Timeout())
	require.Equal(t, MinPasscodeLength, p.MinLength())
	require.Equal(t, 0, p.FailedAttempts())
	require.Empty(t, p.EncryptionSecret())
	require.False(t, p.IsEnabled())

	has, err := p.HasStoredPasscode()
	require.NoError(t, err)
	require.False(t, has)

	// Hash configs are never regenerated by a reset.
	k, ok, err := env.store.Get("device", "vkey")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, k)
}

func TestMinLengthClampedToFloor(t *testing.T) {
	env := newTestPolicy(t)
	require.NoError(t, env.policy.SetMinLength(2))
	require.Equal(t, MinPasscodeLength, env.policy.MinLength())
}

func TestScopedPolicyNamespaces(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))

	scoped := account.Scope{OrgID: "00D000000000062", UserID: "005000000000005"}
	require.NoError(t, p.SetAccountScope(scoped))

	// The scoped record is fresh, so first-run defaults apply.
	require.Equal(t, time.Duration(0), p.Timeout())
	require.NoError(t, p.SetTimeout(2*time.Minute))

	// The unscoped record is untouched.
	v, _, err := env.store.Get("policy", "access_timeout_ms")
	require.NoError(t, err)
	require.Equal(t, "60000", v)

	v, _, err = env.store.Get("policy_00D000000000062", "access_timeout_ms")
	require.NoError(t, err)
	require.Equal(t, "120000", v)
}

func TestMonitorTickLocksOverdueSession(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	p.Unlock("235813")
	p.SetEnabled(true)

	env.sched.Fire() // first tick, session still fresh
	require.False(t, p.IsLocked())

	env.clock.Advance(2 * time.Minute)
	env.sched.Fire()
	require.True(t, p.IsLocked())
}

func TestMonitorTickIgnoresLockedSession(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	p.SetEnabled(true)

	before := env.presenter.Shown()
	env.sched.Fire()
	require.Equal(t, before, env.presenter.Shown())
}

func TestOnResumeOnPause(t *testing.T) {
	env := newTestPolicy(t)
	p := env.policy
	require.NoError(t, p.SetTimeout(time.Minute))
	p.Unlock("235813")
	p.OnPause()
	require.False(t, p.IsEnabled())

	env.clock.Advance(2 * time.Minute)
	require.False(t, p.OnResume())
	require.True(t, p.IsEnabled())
	require.True(t, p.IsLocked())

	p.Unlock("235813")
	require.True(t, p.OnResume())
}

func TestNilStoreDegradesToMemory(t *testing.T) {
	clock := newFakeClock()
	p, err := New(nil, account.Scope{}, WithClock(clock.Now), WithScheduler(&fakeScheduler{}))
	require.NoError(t, err)

	require.NoError(t, p.SetTimeout(time.Minute))
	require.NoError(t, p.Store("235813"))
	ok, err := p.Check("235813")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHashConfigsStableAcrossInstances(t *testing.T) {
	env := newTestPolicy(t)
	require.NoError(t, env.policy.Store("235813"))

	p2, err := New(env.store, account.Scope{}, WithClock(env.clock.Now), WithScheduler(env.sched))
	require.NoError(t, err)

	ok, err := p2.Check("235813")
	require.NoError(t, err)
	require.True(t, ok)
}
