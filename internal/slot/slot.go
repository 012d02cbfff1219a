// SPDX-License-Identifier: MIT

//go:build linux

// Package slot implements the two-level main/standby concurrency limiter of
// spec.md §4.2: a non-blocking flock scan over main slots, falling back to
// a standby slot and a retry loop when none is free.
//
// Grounded on veschin-glm-claude-subagent's internal/slot/slot.go — its
// ClaimSlot/WaitForSlot polling shape is the template for Acquire's retry
// loop — generalized from a single flat counter to hadc's two-level
// main/standby lock-file scan, using internal/lock's flock primitives
// (adapted from the teacher's internal/lock/filelock.go) in place of
// veschin's counter-file-plus-mkdir-lock fallback.
package slot

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/nmatsui/hadc/internal/lock"
)

// Hook is the per-attempt callback spec.md §4.2 step 3 and §9 describe as
// "a first-class callback value the allocator invokes synchronously between
// attempts." attempt starts at 1; standbySlot is passed explicitly (rather
// than via a weak self-reference, per spec.md §9's design note) so the hook
// can rename the worker's pid file to reflect the standby lock it just
// took. Returning false vetoes further retries.
type Hook func(attempt int, standbySlot int) (continueRetrying bool)

// Config is the subset of the worker configuration the allocator needs.
type Config struct {
	MaxProcs        int
	StandbyMaxProcs int
	LockDir         string
	StandbyLockDir  string
	Interval        time.Duration
}

// Outcome describes a successful main-slot acquisition. Lock is the held
// FileLock backing the slot; its fd is what the worker exports as
// HADC_lock_fd and must keep open across exec.
type Outcome struct {
	Slot int
	Lock *lock.FileLock
}

// ErrNoSlot is returned when no main slot is free, no standby slot is free
// either, or the retry hook vetoed further attempts.
var ErrNoSlot = fmt.Errorf("slot: no slot available")

// Allocator wraps the two-level limiter described by Config.
type Allocator struct {
	cfg Config
}

// New constructs an Allocator. Lock directories are created lazily on first
// use, per spec.md §4.2's failure semantics ("any lock directory that does
// not exist is created lazily").
func New(cfg Config) *Allocator {
	return &Allocator{cfg: cfg}
}

func mainLockPath(dir string, slot int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.lock", slot))
}

func standbyLockPath(dir string, slot int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.lock", slot))
}

// tryMainSlots scans slot ids 1..MaxProcs for the first free main lock.
func (a *Allocator) tryMainSlots() (int, *lock.FileLock, bool, error) {
	for slot := 1; slot <= a.cfg.MaxProcs; slot++ {
		fl, err := lock.NewFileLock(mainLockPath(a.cfg.LockDir, slot))
		if err != nil {
			return 0, nil, false, fmt.Errorf("slot: preparing main lock %d: %w", slot, err)
		}
		err = fl.TryAcquire()
		if err == nil {
			return slot, fl, true, nil
		}
		if err != lock.ErrWouldBlock {
			return 0, nil, false, fmt.Errorf("slot: acquiring main lock %d: %w", slot, err)
		}
	}
	return 0, nil, false, nil
}

// tryStandbySlots scans slot ids 1..StandbyMaxProcs for the first free
// standby lock.
func (a *Allocator) tryStandbySlots() (int, *lock.FileLock, bool, error) {
	for slot := 1; slot <= a.cfg.StandbyMaxProcs; slot++ {
		fl, err := lock.NewFileLock(standbyLockPath(a.cfg.StandbyLockDir, slot))
		if err != nil {
			return 0, nil, false, fmt.Errorf("slot: preparing standby lock %d: %w", slot, err)
		}
		err = fl.TryAcquire()
		if err == nil {
			return slot, fl, true, nil
		}
		if err != lock.ErrWouldBlock {
			return 0, nil, false, fmt.Errorf("slot: acquiring standby lock %d: %w", slot, err)
		}
	}
	return 0, nil, false, nil
}

// Acquire implements spec.md §4.2's acquire() contract. hook is invoked
// once per attempt (including the first) while a standby lock is held; a
// false return stops retrying and Acquire returns ErrNoSlot.
func (a *Allocator) Acquire(hook Hook) (Outcome, error) {
	if slotID, fl, ok, err := a.tryMainSlots(); err != nil {
		return Outcome{}, err
	} else if ok {
		return Outcome{Slot: slotID, Lock: fl}, nil
	}

	standbySlot, standbyLock, ok, err := a.tryStandbySlots()
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, ErrNoSlot
	}

	attempt := 1
	for {
		if !hook(attempt, standbySlot) {
			_ = standbyLock.Close()
			return Outcome{}, ErrNoSlot
		}

		mainSlot, mainLock, ok, err := a.tryMainSlots()
		if err != nil {
			_ = standbyLock.Close()
			return Outcome{}, err
		}
		if ok {
			// Promotion: the standby lock is released atomically from the
			// caller's perspective — the caller is left holding exactly the
			// main lock, as spec.md §4.2 step 4 requires.
			_ = standbyLock.Close()
			return Outcome{Slot: mainSlot, Lock: mainLock}, nil
		}

		time.Sleep(a.cfg.Interval)
		attempt++
	}
}
