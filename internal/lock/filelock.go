// SPDX-License-Identifier: MIT

//go:build linux

// Package lock implements the non-blocking flock(2) primitive spec.md
// §4.2 builds the slot allocator on: "lock acquisition never blocks
// (non-blocking flock); it polls by sleeping between rounds." There is no
// blocking-with-timeout variant here — the allocator in internal/slot
// supplies its own poll loop (the sleep-then-retry cadence spec.md §4.2
// step 3 describes), so a second, redundant blocking primitive in this
// package would never be called.
//
// Grounded on the teacher's internal/lock/filelock.go: the same
// stale-lock detection (dead PID, or an unparsable lock file) and the same
// write-PID-into-the-lock-file bookkeeping, trimmed to the single
// TryAcquire entry point the slot allocator actually calls.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FileLock represents one flock(2)-backed exclusive lock.
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

// DefaultStaleThreshold is not consulted by isLockStale, which takes no
// threshold: age alone is never sufficient to call a lock held by a live
// process stale (see isLockStale), so it gates nothing; a process that
// holds the lock advertises its PID in the file regardless of how long ago
// it acquired it.
const DefaultStaleThreshold = 300 * time.Second

// ErrWouldBlock is returned by TryAcquire when the lock is currently held
// by another process.
var ErrWouldBlock = fmt.Errorf("lock held by another process")

// NewFileLock prepares a FileLock at path, creating the parent directory
// if needed — spec.md §4.2's "any lock directory that does not exist is
// created lazily."
func NewFileLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}

	dir := filepath.Dir(path)
	// #nosec G301 - Lock directory needs 0755 for multi-user access
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FileLock{path: path, pid: os.Getpid()}, nil
}

// TryAcquire attempts to acquire the exclusive lock exactly once, with no
// retry loop: it either succeeds immediately or returns ErrWouldBlock. This
// is the only acquisition primitive the slot allocator needs — scanning
// candidate slot ids one at a time means every individual attempt must
// fail fast so the caller can move on to the next slot (spec.md §4.2 step
// 1, and invariant 5: "a second attempt on a held slot fails immediately").
func (fl *FileLock) TryAcquire() error {
	if stale, _ := isLockStale(fl.path); stale {
		_ = os.Remove(fl.path)
	}

	// #nosec G302 - Lock file needs 0644 for multi-process coordination
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if err == syscall.EWOULDBLOCK {
			return ErrWouldBlock
		}
		return fmt.Errorf("failed to flock: %w", err)
	}

	if err := file.Truncate(0); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", fl.pid); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write PID to lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to sync lock file: %w", err)
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

// File returns the *os.File currently backing the held lock, or nil if the
// lock is not held. The worker lifecycle uses this to add the main lock's
// fd to the payload's ExtraFiles so it survives across HADC_lock_fd-based
// re-exec (spec.md §4.3 step 4, §6, §9).
func (fl *FileLock) File() *os.File {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.file
}

// Release releases the lock and closes its file.
func (fl *FileLock) Release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("lock not held")
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	fl.file = nil
	return nil
}

// Close releases the lock if held; it is a no-op otherwise, so callers
// (like the slot allocator abandoning a standby lock on promotion) can
// defer-or-call it unconditionally.
func (fl *FileLock) Close() error {
	fl.mu.Lock()
	held := fl.file != nil
	fl.mu.Unlock()

	if held {
		return fl.Release()
	}
	return nil
}

// isLockStale reports whether the lock file at lockPath refers to a PID
// that is no longer running, so a dead holder's lock can be cleaned up
// before the next TryAcquire. A live holder's lock is never stale
// regardless of the lock file's age: a long-running main worker's lock
// file legitimately has an old mtime, and age-based eviction would let a
// second worker steal a healthy holder's slot.
func isLockStale(lockPath string) (bool, error) {
	_, err := os.Stat(lockPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// #nosec G304 - Lock path is controlled by application configuration
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return true, nil
	}

	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return true, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return true, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return true, nil
	}

	if err := process.Signal(syscall.Signal(0)); err == nil {
		return false, nil
	}
	return true, nil
}
