// SPDX-License-Identifier: MIT

//go:build linux

// Package supervisor implements spec.md §4.4: the per-invocation
// reconciliation engine behind start/stop/restart/hard_restart/status/
// reload/fork. It does not run continuously — each command builds a
// Supervisor, reconciles, and the process exits.
//
// Grounded on the teacher's internal/supervisor/supervisor.go for its
// Config-with-Logger-and-injectable-dependencies shape (generalized here
// from a goroutine-restart model to the spec's OS-process/file-lock
// reconciliation model), and on veschin-glm-claude-subagent's
// internal/cmd/kill.go for the injected signalFn/sleepFn testing pattern
// used throughout the escalating-signal termination logic.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/nmatsui/hadc/internal/config"
	"github.com/nmatsui/hadc/internal/hadlog"
	"github.com/nmatsui/hadc/internal/pidregistry"
)

// WorkerSubcommand is the hidden argv[1] a re-exec'd worker process is
// launched with. cmd/hadc's main() checks for it before doing anything
// else and, when present, runs the worker lifecycle instead of dispatching
// a supervisor command.
const WorkerSubcommand = "__hadc_worker__"

// escalation is the fixed TERM, TERM, INT, KILL sequence spec.md §4.4
// names for both stop and restart_main.
var escalation = []syscall.Signal{syscall.SIGTERM, syscall.SIGTERM, syscall.SIGINT, syscall.SIGKILL}

// Supervisor owns one command invocation's reconciliation.
type Supervisor struct {
	Config *config.Config
	Logger *hadlog.Logger

	// ConfigPath is propagated to spawned workers via HADC_CONFIG_FILE so
	// they can reload the same configuration this invocation used.
	ConfigPath string

	// selfPath overrides os.Executable() in tests.
	selfPath string

	sleepFn  func(time.Duration)
	signalFn func(pid int, sig syscall.Signal) error
	nowFn    func() time.Time
	spawnFn  func() error
}

// New builds a Supervisor with production defaults for its injectable
// dependencies.
func New(cfg *config.Config, logger *hadlog.Logger, configPath string) *Supervisor {
	s := &Supervisor{
		Config:     cfg,
		Logger:     logger,
		ConfigPath: configPath,
		sleepFn:    time.Sleep,
		nowFn:      time.Now,
		signalFn: func(pid int, sig syscall.Signal) error {
			return syscall.Kill(pid, sig)
		},
	}
	s.spawnFn = s.spawn
	return s
}

func (s *Supervisor) sleep(d time.Duration) { s.sleepFn(d) }
func (s *Supervisor) now() time.Time        { return s.nowFn() }

func (s *Supervisor) runningCount(kind string, expected int) int {
	n := 0
	for slot := 1; slot <= expected; slot++ {
		if _, ok, err := pidregistry.PidOfType(s.Config.PIDDir, fmt.Sprintf("%s-%d", kind, slot)); err == nil && ok {
			n++
		}
	}
	return n
}

func (s *Supervisor) waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := s.now().Add(timeout)
	for s.now().Before(deadline) {
		if cond() {
			return true
		}
		s.sleep(time.Second)
	}
	return cond()
}

// signal applies spec.md §4.4's signal handling policy: ESRCH is treated
// as success (the process is already gone); EPERM and any other errno are
// fatal.
func (s *Supervisor) signal(pid int, sig syscall.Signal) error {
	err := s.signalFn(pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if errors.Is(err, syscall.EPERM) {
		s.Logger.Crit("supervisor: insufficient privileges to signal process; hadc needs root", "pid", pid, "signal", sig, "err", err)
	}
	s.Logger.Crit("supervisor: signal delivery failed", "pid", pid, "signal", sig, "err", err)
	return err
}

func (s *Supervisor) selfBinary() (string, error) {
	if s.selfPath != "" {
		return s.selfPath, nil
	}
	return os.Executable()
}

// spawn launches one detached worker via a self re-exec with its own
// session, the idiomatic-Go stand-in for the source's fork→setsid→fork
// double-fork: Go cannot safely fork() a multi-threaded runtime, so the
// "grandchild" here is produced directly by os/exec with
// SysProcAttr.Setsid, rather than by an intermediate process this
// supervisor would waitpid. No separate wait is needed either way, since
// the supervisor process itself is short-lived and exits once
// reconciliation completes — exactly the situation spec.md §4.4 opens
// with ("it does not run continuously; it runs per CLI invocation and
// exits").
func (s *Supervisor) spawn() error {
	self, err := s.selfBinary()
	if err != nil {
		return fmt.Errorf("supervisor: locating self binary: %w", err)
	}

	cmd := exec.Command(self, WorkerSubcommand)
	cmd.Env = append(os.Environ(), "HADC_CONFIG_FILE="+s.ConfigPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: spawning worker: %w", err)
	}
	_ = cmd.Process.Release()
	return nil
}

// forkUntil is the reconciliation primitive of spec.md §4.4: up to 3
// rounds, each spawning the deficit and polling once a second for up to
// the kind's timeout.
func (s *Supervisor) forkUntil(expected int, kind string) bool {
	if expected <= 0 {
		return true
	}

	timeout := s.Config.StandbyTimeoutDuration()
	if kind == "main" {
		timeout = s.Config.MainTimeoutDuration()
	}

	for round := 0; round < 3; round++ {
		deficit := expected - s.runningCount(kind, expected)
		for i := 0; i < deficit; i++ {
			if err := s.spawnFn(); err != nil {
				s.Logger.Warn("supervisor: spawning worker failed", "kind", kind, "err", err)
			}
		}
		if s.waitFor(func() bool { return s.runningCount(kind, expected) == expected }, timeout) {
			return true
		}
	}
	return s.runningCount(kind, expected) == expected
}

// topUp spawns exactly the current deficit without waiting for the
// population to settle — the "fork" command's behavior (spec.md §4.4),
// used to top up populations externally.
func (s *Supervisor) topUp(kind string, expected int) {
	if expected <= 0 {
		return
	}
	deficit := expected - s.runningCount(kind, expected)
	for i := 0; i < deficit; i++ {
		if err := s.spawnFn(); err != nil {
			s.Logger.Warn("supervisor: spawning worker failed", "kind", kind, "err", err)
		}
	}
}

// detectStolenLock implements spec.md §4.4's stolen-lock detection: after
// a failed start, a main deficit alongside a fully-populated standby set
// means some process outside hadc's control holds a main lock.
func (s *Supervisor) detectStolenLock() {
	mains := s.runningCount("main", s.Config.MaxProcs)
	standbys := s.runningCount("standby", s.Config.StandbyMaxProcs)
	if mains < s.Config.MaxProcs && standbys == s.Config.StandbyMaxProcs {
		s.Logger.Warn("a main lock slot could not be acquired even though every standby is running; something is possibly holding it externally")
	}
}

// stopFilePresent reports whether the standby stop sentinel currently
// exists.
func (s *Supervisor) stopFilePresent() bool {
	_, err := os.Stat(s.Config.StandbyStopFile)
	return err == nil
}

// Start implements the start command.
func (s *Supervisor) Start() int {
	if err := os.Remove(s.Config.StandbyStopFile); err != nil && !os.IsNotExist(err) {
		s.Logger.Crit("supervisor: removing stop file", "err", err)
	}

	mainOK := s.forkUntil(s.Config.MaxProcs, "main")
	standbyOK := s.forkUntil(s.Config.StandbyMaxProcs, "standby")

	if mainOK && standbyOK {
		return 0
	}
	s.detectStolenLock()
	return 1
}

// killUntilDead runs the TERM, TERM, INT, KILL escalation against pid,
// polling once a second for up to KillTimeout after each signal, and
// returns whether pid died.
func (s *Supervisor) killUntilDead(pid int) bool {
	for _, sig := range escalation {
		if err := s.signal(pid, sig); err != nil {
			return false
		}
		if s.waitFor(func() bool {
			alive, _, err := pidregistry.Liveness(pid)
			if err != nil {
				s.Logger.Crit("supervisor: checking liveness", "pid", pid, "err", err)
			}
			return !alive
		}, s.Config.KillTimeoutDuration()) {
			return true
		}
	}
	alive, _, err := pidregistry.Liveness(pid)
	if err != nil {
		s.Logger.Crit("supervisor: checking liveness", "pid", pid, "err", err)
	}
	return !alive
}

// Stop implements the stop command.
func (s *Supervisor) Stop() int {
	if s.runningCount("main", s.Config.MaxProcs) == 0 && s.runningCount("standby", s.Config.StandbyMaxProcs) == 0 {
		return 0
	}

	if err := os.WriteFile(s.Config.StandbyStopFile, nil, 0644); err != nil {
		s.Logger.Crit("supervisor: creating stop file", "err", err)
	}

	s.waitFor(func() bool { return s.runningCount("standby", s.Config.StandbyMaxProcs) == 0 }, s.Config.StandbyTimeoutDuration())

	for slot := 1; slot <= s.Config.MaxProcs; slot++ {
		kind := fmt.Sprintf("main-%d", slot)
		pid, ok, err := pidregistry.PidOfType(s.Config.PIDDir, kind)
		if err != nil {
			s.Logger.Crit("supervisor: reading pid file", "kind", kind, "err", err)
		}
		if !ok {
			continue
		}
		if s.killUntilDead(pid) {
			_ = pidregistry.Unlink(s.Config.PIDDir, kind)
		}
	}

	if s.runningCount("main", s.Config.MaxProcs) == 0 && s.runningCount("standby", s.Config.StandbyMaxProcs) == 0 {
		return 0
	}
	return 1
}

// restartMain restarts the worker holding main-<slot>, returning true once
// a different live PID appears in its place (a standby promotion) or the
// slot was already empty.
func (s *Supervisor) restartMain(slot int) bool {
	kind := fmt.Sprintf("main-%d", slot)
	oldPID, ok, err := pidregistry.PidOfType(s.Config.PIDDir, kind)
	if err != nil {
		s.Logger.Crit("supervisor: reading pid file", "kind", kind, "err", err)
	}
	if !ok {
		return true
	}

	promoted := func() bool {
		newPID, present, _ := pidregistry.Read(s.Config.PIDDir, kind)
		if !present || newPID == oldPID {
			return false
		}
		alive, _, _ := pidregistry.Liveness(newPID)
		return alive
	}

	for _, sig := range escalation {
		if err := s.signal(oldPID, sig); err != nil {
			return false
		}
		if s.waitFor(promoted, s.Config.KillTimeoutDuration()) {
			return true
		}
	}
	return promoted()
}

// Restart implements the restart command.
func (s *Supervisor) Restart() int {
	if s.runningCount("main", s.Config.MaxProcs) == 0 && s.runningCount("standby", s.Config.StandbyMaxProcs) == 0 {
		return s.Start()
	}
	if s.Config.StandbyMaxProcs <= 0 {
		return s.HardRestart()
	}

	if err := os.WriteFile(s.Config.StandbyStopFile, nil, 0644); err != nil {
		s.Logger.Crit("supervisor: creating stop file", "err", err)
	}
	s.waitFor(func() bool { return s.runningCount("standby", s.Config.StandbyMaxProcs) == 0 }, s.Config.StandbyTimeoutDuration())

	if err := os.Remove(s.Config.StandbyStopFile); err != nil && !os.IsNotExist(err) {
		s.Logger.Crit("supervisor: removing stop file", "err", err)
	}
	standbyOK := s.forkUntil(s.Config.StandbyMaxProcs, "standby")

	for slot := 1; slot <= s.Config.MaxProcs; slot++ {
		s.restartMain(slot)
	}

	mainOK := s.forkUntil(s.Config.MaxProcs, "main")
	standbyOK = s.forkUntil(s.Config.StandbyMaxProcs, "standby") && standbyOK

	if mainOK && standbyOK {
		return 0
	}
	s.detectStolenLock()
	return 1
}

// HardRestart implements the hard_restart command: stop then start, the
// fallback restart always uses when standbys are disabled.
func (s *Supervisor) HardRestart() int {
	s.Stop()
	return s.Start()
}

// SlotStatus reports one expected slot's observed state.
type SlotStatus struct {
	Kind    string
	Slot    int
	Running bool
}

// Status implements the status command.
func (s *Supervisor) Status() ([]SlotStatus, int) {
	var statuses []SlotStatus
	allRunning := true

	for slot := 1; slot <= s.Config.MaxProcs; slot++ {
		_, ok, err := pidregistry.PidOfType(s.Config.PIDDir, fmt.Sprintf("main-%d", slot))
		if err != nil {
			s.Logger.Crit("supervisor: reading pid file", "slot", slot, "err", err)
		}
		statuses = append(statuses, SlotStatus{Kind: "main", Slot: slot, Running: ok})
		if !ok {
			allRunning = false
		}
	}
	for slot := 1; slot <= s.Config.StandbyMaxProcs; slot++ {
		_, ok, err := pidregistry.PidOfType(s.Config.PIDDir, fmt.Sprintf("standby-%d", slot))
		if err != nil {
			s.Logger.Crit("supervisor: reading pid file", "slot", slot, "err", err)
		}
		statuses = append(statuses, SlotStatus{Kind: "standby", Slot: slot, Running: ok})
		if !ok {
			allRunning = false
		}
	}

	if allRunning {
		return statuses, 0
	}
	return statuses, 1
}

// Reload implements the reload command: SIGHUP to every running main.
func (s *Supervisor) Reload() int {
	for slot := 1; slot <= s.Config.MaxProcs; slot++ {
		pid, ok, err := pidregistry.PidOfType(s.Config.PIDDir, fmt.Sprintf("main-%d", slot))
		if err != nil {
			s.Logger.Crit("supervisor: reading pid file", "slot", slot, "err", err)
		}
		if ok {
			_ = s.signal(pid, syscall.SIGHUP)
		}
	}
	return 0
}

// Fork implements the fork command: top up populations externally, unless
// the stop file is present.
func (s *Supervisor) Fork() int {
	if s.stopFilePresent() {
		return 1
	}
	s.topUp("main", s.Config.MaxProcs)
	s.topUp("standby", s.Config.StandbyMaxProcs)
	return 0
}
