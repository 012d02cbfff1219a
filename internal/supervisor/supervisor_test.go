//go:build linux

package supervisor

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nmatsui/hadc/internal/config"
	"github.com/nmatsui/hadc/internal/hadlog"
	"github.com/nmatsui/hadc/internal/pidregistry"
)

// fakeClock lets tests drive forkUntil/waitFor's round-trip logic without
// sleeping in wall-clock time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func testConfig(t *testing.T, maxProcs, standbyMaxProcs int) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Name:            "test",
		PIDDir:          dir,
		Program:         "/bin/true",
		IPCCLOptions:    []string{"--ok"},
		MaxProcs:        maxProcs,
		StandbyMaxProcs: standbyMaxProcs,
		Interval:        1,
		LockBackend:     "flock",
		LockDir:         filepath.Join(dir, "lock"),
		StandbyLockDir:  filepath.Join(dir, "lock-standby"),
		StandbyStopFile: filepath.Join(dir, "standby-stop-file"),
		KillTimeout:     1,
		MainTimeout:     1,
		StandbyTimeout:  1,
	}
}

// newFastSupervisor wires a fake clock in place of real time, for tests
// that only exercise the reconciliation bookkeeping.
func newFastSupervisor(t *testing.T, maxProcs, standbyMaxProcs int) (*Supervisor, *fakeClock) {
	t.Helper()
	cfg := testConfig(t, maxProcs, standbyMaxProcs)
	s := New(cfg, hadlog.Discard(), filepath.Join(cfg.PIDDir, "config.yaml"))
	fc := &fakeClock{t: time.Unix(0, 0)}
	s.nowFn = fc.now
	s.sleepFn = fc.sleep
	return s, fc
}

func TestStartReconcilesBothPopulations(t *testing.T) {
	s, _ := newFastSupervisor(t, 2, 1)

	spawned := 0
	s.spawnFn = func() error {
		spawned++
		kind := "main"
		slot := spawned
		if spawned > s.Config.MaxProcs {
			kind = "standby"
			slot = spawned - s.Config.MaxProcs
		}
		return pidregistry.Write(s.Config.PIDDir, kindSlot(kind, slot), os.Getpid())
	}

	if code := s.Start(); code != 0 {
		t.Errorf("Start() = %d, want 0", code)
	}
	if spawned != 3 {
		t.Errorf("spawned %d workers, want 3", spawned)
	}
}

func kindSlot(kind string, slot int) string {
	return kind + "-" + itoa(slot)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestStartFailsWhenSpawnNeverRegisters(t *testing.T) {
	s, _ := newFastSupervisor(t, 1, 0)
	s.spawnFn = func() error { return nil }

	if code := s.Start(); code != 1 {
		t.Errorf("Start() = %d, want 1", code)
	}
}

func TestStopNoopWhenNothingRunning(t *testing.T) {
	s, _ := newFastSupervisor(t, 1, 0)

	if code := s.Stop(); code != 0 {
		t.Errorf("Stop() = %d, want 0", code)
	}
	if _, err := os.Stat(s.Config.StandbyStopFile); err == nil {
		t.Error("Stop() should not create a stop file when nothing is running")
	}
}

func TestStopKillsRealProcess(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep(1) not available")
	}

	s, _ := newFastSupervisor(t, 1, 0)

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting sleep subprocess: %v", err)
	}
	// Reap the child as soon as it exits, the way init reaps a detached
	// worker; an unreaped zombie still answers kill(pid, 0) as alive.
	go func() { _, _ = cmd.Process.Wait() }()

	if err := pidregistry.Write(s.Config.PIDDir, "main-1", cmd.Process.Pid); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	s.nowFn = time.Now
	s.sleepFn = time.Sleep
	s.Config.KillTimeout = 2

	if code := s.Stop(); code != 0 {
		t.Errorf("Stop() = %d, want 0", code)
	}
	if _, ok, _ := pidregistry.Read(s.Config.PIDDir, "main-1"); ok {
		t.Error("pid file should be unlinked once the process is dead")
	}
}

func TestRestartStartsWhenNothingIsRunning(t *testing.T) {
	s, _ := newFastSupervisor(t, 1, 0)
	started := false
	s.spawnFn = func() error {
		started = true
		return pidregistry.Write(s.Config.PIDDir, "main-1", os.Getpid())
	}

	if code := s.Restart(); code != 0 {
		t.Errorf("Restart() = %d, want 0", code)
	}
	if !started {
		t.Error("Restart() should have started a fresh worker")
	}
}

func TestHardRestartStopsThenStarts(t *testing.T) {
	s, _ := newFastSupervisor(t, 1, 0)
	s.spawnFn = func() error {
		return pidregistry.Write(s.Config.PIDDir, "main-1", os.Getpid())
	}

	if code := s.HardRestart(); code != 0 {
		t.Errorf("HardRestart() = %d, want 0", code)
	}
}

func TestStatusReportsRunningSlots(t *testing.T) {
	s, _ := newFastSupervisor(t, 1, 0)
	if err := pidregistry.Write(s.Config.PIDDir, "main-1", os.Getpid()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	statuses, code := s.Status()
	if code != 0 {
		t.Errorf("Status() code = %d, want 0", code)
	}
	if len(statuses) != 1 || !statuses[0].Running {
		t.Errorf("Status() = %+v, want one running main slot", statuses)
	}
}

func TestReloadSignalsRunningMains(t *testing.T) {
	s, _ := newFastSupervisor(t, 1, 0)
	if err := pidregistry.Write(s.Config.PIDDir, "main-1", os.Getpid()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var signaled []syscall.Signal
	s.signalFn = func(pid int, sig syscall.Signal) error {
		signaled = append(signaled, sig)
		return nil
	}

	if code := s.Reload(); code != 0 {
		t.Errorf("Reload() = %d, want 0", code)
	}
	if len(signaled) != 1 || signaled[0] != syscall.SIGHUP {
		t.Errorf("signaled = %v, want one SIGHUP", signaled)
	}
}

func TestForkTopsUpDeficit(t *testing.T) {
	s, _ := newFastSupervisor(t, 2, 0)
	spawned := 0
	s.spawnFn = func() error {
		spawned++
		return pidregistry.Write(s.Config.PIDDir, kindSlot("main", spawned), os.Getpid())
	}

	if code := s.Fork(); code != 0 {
		t.Errorf("Fork() = %d, want 0", code)
	}
	if spawned != 2 {
		t.Errorf("spawned %d workers, want 2", spawned)
	}
}

func TestForkNoopWhenStopFilePresent(t *testing.T) {
	s, _ := newFastSupervisor(t, 1, 0)
	if err := os.WriteFile(s.Config.StandbyStopFile, nil, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	s.spawnFn = func() error {
		t.Fatal("spawn should not run while the stop file is present")
		return nil
	}

	if code := s.Fork(); code != 1 {
		t.Errorf("Fork() = %d, want 1", code)
	}
}
