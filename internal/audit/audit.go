// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit provides append-only JSON-lines logging of lock lifecycle
// events. Passcodes and hashes never appear in events; only outcomes do.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types recorded by the lock core.
const (
	EventLocked          = "APP_LOCKED"
	EventUnlocked        = "APP_UNLOCKED"
	EventPasscodeAttempt = "PASSCODE_ATTEMPT"
	EventPasscodeStored  = "PASSCODE_STORED"
	EventPolicyChanged   = "POLICY_CHANGED"
	EventPolicyReset     = "POLICY_RESET"
)

// DefaultMaxFileSize is the log size at which rotation happens (5MB).
const DefaultMaxFileSize int64 = 5 * 1024 * 1024

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Scope     string            `json:"scope,omitempty"`
	Success   bool              `json:"success"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Logger appends events to a JSON-lines file. A nil *Logger is a valid
// no-op logger, so callers never need to guard their Log calls.
type Logger struct {
	mu          sync.Mutex
	path        string
	maxFileSize int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithMaxFileSize overrides the rotation threshold.
func WithMaxFileSize(size int64) Option {
	return func(l *Logger) {
		if size > 0 {
			l.maxFileSize = size
		}
	}
}

// New creates a Logger writing to path.
func New(path string, opts ...Option) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &Logger{
		path:        path,
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Log appends an event. A zero Timestamp is filled in with the current time.
func (l *Logger) Log(ev Event) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	if err := l.rotateLocked(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// rotateLocked moves the current log aside once it exceeds maxFileSize.
// Caller must hold mu.
func (l *Logger) rotateLocked() error {
	info, err := os.Stat(l.path)
	if err != nil || info.Size() < l.maxFileSize {
		return nil
	}

	rotated := l.path + ".1"
	os.Remove(rotated)
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return nil
}

// Path returns the log file path, or "" for a nil logger.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Read returns every event currently in the log file, oldest first.
func (l *Logger) Read() ([]Event, error) {
	if l == nil {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	var events []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return events, fmt.Errorf("failed to parse audit log: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}
