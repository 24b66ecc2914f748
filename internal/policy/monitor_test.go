// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorStartSchedulesImmediateTick(t *testing.T) {
	sched := &fakeScheduler{}
	var ticks atomic.Int64
	m := NewPeriodicMonitor(sched, time.Second, func() { ticks.Add(1) })

	m.Start()
	require.True(t, m.Running())
	require.Equal(t, 1, sched.PendingCount())

	sched.Fire()
	require.Equal(t, int64(1), ticks.Load())

	// Each completed run arms exactly one successor.
	require.Equal(t, 1, sched.PendingCount())
	sched.Fire()
	require.Equal(t, int64(2), ticks.Load())
}

func TestMonitorStartIsIdempotent(t *testing.T) {
	sched := &fakeScheduler{}
	m := NewPeriodicMonitor(sched, time.Second, func() {})

	m.Start()
	m.Start()
	m.Start()
	require.Equal(t, 1, sched.PendingCount())
}

func TestMonitorStopCancelsPendingTick(t *testing.T) {
	sched := &fakeScheduler{}
	var ticks atomic.Int64
	m := NewPeriodicMonitor(sched, time.Second, func() { ticks.Add(1) })

	m.Start()
	m.Stop()
	require.False(t, m.Running())

	sched.Fire()
	require.Equal(t, int64(0), ticks.Load())
}

func TestMonitorStopDuringScheduledTick(t *testing.T) {
	// A Stop between scheduling and firing must win even when the
	// scheduler does not honor cancellation, via the generation check.
	sched := &leakyScheduler{}
	var ticks atomic.Int64
	m := NewPeriodicMonitor(sched, time.Second, func() { ticks.Add(1) })

	m.Start()
	m.Stop()
	sched.Fire()
	require.Equal(t, int64(0), ticks.Load())
}

func TestMonitorRestartAfterStop(t *testing.T) {
	sched := &fakeScheduler{}
	var ticks atomic.Int64
	m := NewPeriodicMonitor(sched, time.Second, func() { ticks.Add(1) })

	m.Start()
	m.Stop()
	m.Start()
	require.True(t, m.Running())

	sched.Fire()
	require.Equal(t, int64(1), ticks.Load())
}

func TestMonitorDefaultsInterval(t *testing.T) {
	m := NewPeriodicMonitor(&fakeScheduler{}, 0, func() {})
	require.Equal(t, DefaultTickInterval, m.interval)
}

func TestMonitorProductionScheduler(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	m := NewPeriodicMonitor(TimerScheduler{}, time.Hour, func() { wg.Done() })

	m.Start()
	wg.Wait() // first tick fires immediately
	m.Stop()
}

// leakyScheduler ignores cancellation entirely; callbacks always fire.
type leakyScheduler struct {
	mu      sync.Mutex
	pending []func()
}

func (s *leakyScheduler) After(_ time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, fn)
	return func() {}
}

func (s *leakyScheduler) Fire() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}
