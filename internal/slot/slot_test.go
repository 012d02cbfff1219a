//go:build linux

package slot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nmatsui/hadc/internal/lock"
)

func newTestAllocator(t *testing.T, maxProcs, standbyMaxProcs int) *Allocator {
	t.Helper()
	dir := t.TempDir()
	return New(Config{
		MaxProcs:        maxProcs,
		StandbyMaxProcs: standbyMaxProcs,
		LockDir:         filepath.Join(dir, "main"),
		StandbyLockDir:  filepath.Join(dir, "standby"),
		Interval:        10 * time.Millisecond,
	})
}

func TestAcquireFreeMainSlot(t *testing.T) {
	a := newTestAllocator(t, 2, 1)

	out, err := a.Acquire(func(attempt, standbySlot int) bool {
		t.Fatal("hook should not be called when a main slot is immediately free")
		return false
	})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if out.Slot != 1 {
		t.Errorf("Acquire() slot = %d, want 1", out.Slot)
	}
}

func TestAcquireFallsBackToStandbyThenPromotes(t *testing.T) {
	a := newTestAllocator(t, 1, 1)

	// Occupy the only main slot.
	holder, err := lock.NewFileLock(mainLockPath(a.cfg.LockDir, 1))
	if err != nil {
		t.Fatalf("NewFileLock() error = %v", err)
	}
	if err := holder.TryAcquire(); err != nil {
		t.Fatalf("holder.TryAcquire() error = %v", err)
	}

	attempts := 0
	done := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = holder.Release()
		close(done)
	}()

	out, err := a.Acquire(func(attempt, standbySlot int) bool {
		attempts++
		if standbySlot != 1 {
			t.Errorf("standbySlot = %d, want 1", standbySlot)
		}
		return true
	})
	<-done

	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if out.Slot != 1 {
		t.Errorf("Acquire() promoted slot = %d, want 1", out.Slot)
	}
	if attempts == 0 {
		t.Error("hook should have been invoked at least once while waiting on the standby lock")
	}
}

func TestAcquireNoSlotWhenBothFull(t *testing.T) {
	a := newTestAllocator(t, 1, 1)

	mainHolder, err := lock.NewFileLock(mainLockPath(a.cfg.LockDir, 1))
	if err != nil {
		t.Fatalf("NewFileLock() error = %v", err)
	}
	if err := mainHolder.TryAcquire(); err != nil {
		t.Fatalf("mainHolder.TryAcquire() error = %v", err)
	}
	defer func() { _ = mainHolder.Close() }()

	standbyHolder, err := lock.NewFileLock(standbyLockPath(a.cfg.StandbyLockDir, 1))
	if err != nil {
		t.Fatalf("NewFileLock() error = %v", err)
	}
	if err := standbyHolder.TryAcquire(); err != nil {
		t.Fatalf("standbyHolder.TryAcquire() error = %v", err)
	}
	defer func() { _ = standbyHolder.Close() }()

	_, err = a.Acquire(func(attempt, standbySlot int) bool {
		t.Fatal("hook should not run; there is no standby slot to hold")
		return false
	})
	if err != ErrNoSlot {
		t.Errorf("Acquire() error = %v, want ErrNoSlot", err)
	}
}

func TestAcquireHookCanVetoRetries(t *testing.T) {
	a := newTestAllocator(t, 1, 1)

	mainHolder, err := lock.NewFileLock(mainLockPath(a.cfg.LockDir, 1))
	if err != nil {
		t.Fatalf("NewFileLock() error = %v", err)
	}
	if err := mainHolder.TryAcquire(); err != nil {
		t.Fatalf("mainHolder.TryAcquire() error = %v", err)
	}
	defer func() { _ = mainHolder.Close() }()

	_, err = a.Acquire(func(attempt, standbySlot int) bool {
		return false
	})
	if err != ErrNoSlot {
		t.Errorf("Acquire() error = %v, want ErrNoSlot", err)
	}
}
