// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock guards a run's output prefix so two concurrent runs cannot
// share intermediate files.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrPrefixLocked indicates another live process holds the prefix.
	ErrPrefixLocked = errors.New("prefix is locked by another run")

	// ErrLockNotHeld indicates Release on a lock that was already released.
	ErrLockNotHeld = errors.New("lock not held")
)

// Info is written next to the lock for visibility.
type Info struct {
	Prefix   string    `json:"prefix"`
	PID      int       `json:"pid"`
	Reason   string    `json:"reason"`
	LockedAt time.Time `json:"locked_at"`
}

// LockError reports a prefix held by someone else.
type LockError struct {
	Prefix string
	Holder *Info
	Err    error
}

// Error returns the error message.
func (e *LockError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("%s: %v (pid %d since %s, %s)", e.Prefix, e.Err,
			e.Holder.PID, e.Holder.LockedAt.Format(time.RFC3339), e.Holder.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Prefix, e.Err)
}

// Unwrap returns the underlying error.
func (e *LockError) Unwrap() error {
	return e.Err
}

// PrefixLock is an exclusive advisory lock on <prefix>.lock.
//
// # Description
//
// The lock file holds a JSON Info record. The kernel lock is released when
// the file is closed or the process exits, so a crashed run never leaves
// the prefix permanently locked; its stale Info is simply overwritten.
//
// # Thread Safety
//
// Release is safe to call from multiple goroutines.
type PrefixLock struct {
	path string
	info Info

	mu   sync.Mutex
	file *os.File
}

// Path returns the lock file path.
func Path(prefix string) string {
	return prefix + ".lock"
}

// Acquire takes the lock for prefix without blocking.
//
// # Inputs
//
//   - prefix: Output path prefix; its directory must exist.
//   - reason: Free text recorded in the lock file.
//
// # Outputs
//
//   - *PrefixLock: Held lock; call Release when done.
//   - error: *LockError wrapping ErrPrefixLocked, or an I/O error.
func Acquire(prefix, reason string) (*PrefixLock, error) {
	abs, err := filepath.Abs(prefix)
	if err != nil {
		return nil, fmt.Errorf("resolving prefix %s: %w", prefix, err)
	}
	path := Path(abs)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock %s: %w", path, err)
	}
	if err := flock(f); err != nil {
		holder := readInfo(f)
		f.Close()
		if errors.Is(err, ErrPrefixLocked) {
			return nil, &LockError{Prefix: abs, Holder: holder, Err: ErrPrefixLocked}
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	l := &PrefixLock{
		path: path,
		file: f,
		info: Info{Prefix: abs, PID: os.Getpid(), Reason: reason, LockedAt: time.Now().UTC()},
	}
	if err := l.writeInfo(); err != nil {
		funlock(f)
		f.Close()
		return nil, fmt.Errorf("writing lock info: %w", err)
	}
	slog.Debug("Acquired prefix lock", "prefix", abs, "reason", reason)
	return l, nil
}

// Info returns the record written for this lock.
func (l *PrefixLock) Info() Info {
	return l.info
}

// Release unlocks and removes the lock file.
func (l *PrefixLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrLockNotHeld
	}
	// Remove before unlocking so a waiter never sees our stale record.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove lock file", "path", l.path, "error", err)
	}
	err := funlock(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	slog.Debug("Released prefix lock", "prefix", l.info.Prefix)
	return err
}

func (l *PrefixLock) writeInfo() error {
	data, err := json.Marshal(l.info)
	if err != nil {
		return err
	}
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.WriteAt(data, 0); err != nil {
		return err
	}
	return l.file.Sync()
}

func readInfo(f *os.File) *Info {
	st, err := f.Stat()
	if err != nil || st.Size() == 0 || st.Size() > 1<<16 {
		return nil
	}
	buf := make([]byte, st.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil
	}
	var info Info
	if json.Unmarshal(buf, &info) != nil {
		return nil
	}
	return &info
}
