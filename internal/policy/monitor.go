// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"sync"
	"time"
)

// DefaultTickInterval is how often the periodic monitor re-checks the lock
// condition while enabled.
const DefaultTickInterval = 20 * time.Second

// CancelFunc cancels a pending scheduled callback.
type CancelFunc func()

// Scheduler runs a callback once after a delay. The lock core only ever
// needs this one-shot primitive; recurrence is built by rescheduling after
// each run, so the interval is measured from run completion and does not
// drift against a wall-clock grid.
type Scheduler interface {
	After(d time.Duration, fn func()) CancelFunc
}

// TimerScheduler is the production Scheduler backed by time.AfterFunc.
type TimerScheduler struct{}

// After implements Scheduler.
func (TimerScheduler) After(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// PeriodicMonitor drives the safety-net lock check: while enabled it asks
// the policy to lock if the idle timeout has elapsed, covering backgrounded
// sessions where lifecycle callbacks may not fire promptly.
type PeriodicMonitor struct {
	mu       sync.Mutex
	sched    Scheduler
	interval time.Duration
	tick     func()
	cancel   CancelFunc
	running  bool

	// generation invalidates callbacks scheduled before a Stop, so a tick
	// that races with cancellation never runs afterwards.
	generation uint64
}

// NewPeriodicMonitor creates a monitor calling tick on each run.
func NewPeriodicMonitor(sched Scheduler, interval time.Duration, tick func()) *PeriodicMonitor {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &PeriodicMonitor{
		sched:    sched,
		interval: interval,
		tick:     tick,
	}
}

// Start schedules the first tick immediately and then once per interval.
// Calling Start on a running monitor is a no-op: there is never more than
// one pending tick.
func (m *PeriodicMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.generation++
	m.scheduleLocked(0, m.generation)
}

// Stop cancels any pending tick. No tick runs after Stop returns.
func (m *PeriodicMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Running reports whether the monitor is currently scheduled.
func (m *PeriodicMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// scheduleLocked arms the next tick. Caller must hold mu.
func (m *PeriodicMonitor) scheduleLocked(d time.Duration, gen uint64) {
	m.cancel = m.sched.After(d, func() { m.run(gen) })
}

// run executes one tick and reschedules from its completion time.
func (m *PeriodicMonitor) run(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.generation {
		m.mu.Unlock()
		return
	}
	tick := m.tick
	m.mu.Unlock()

	if tick != nil {
		tick()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && gen == m.generation {
		m.scheduleLocked(m.interval, gen)
	}
}
