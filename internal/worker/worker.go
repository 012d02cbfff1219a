// SPDX-License-Identifier: MIT

//go:build linux

// Package worker implements the grandchild-side contract of spec.md §4.3:
// the process a supervisor double-fork launch (see internal/supervisor)
// ultimately becomes. It bootstraps a transient identity, negotiates a
// slot through internal/slot, and either hands off to the payload or exits
// cleanly without ever having acquired one.
//
// Grounded on the teacher's internal/stream/manager.go for the overall
// state-machine-over-exec.Cmd shape, and on veschin's internal/cmd/kill.go
// and session.go for the injected-function testing style and the
// build-the-exec-arguments-then-let-the-caller-run-them separation this
// package follows for its payload invocation.
package worker

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/nmatsui/hadc/internal/config"
	"github.com/nmatsui/hadc/internal/hadlog"
	"github.com/nmatsui/hadc/internal/pidregistry"
	"github.com/nmatsui/hadc/internal/slot"
)

// Worker runs the lifecycle of a single spawned grandchild.
type Worker struct {
	Config *config.Config
	Logger *hadlog.Logger

	// execCommand is overridable in tests so Run doesn't need a real
	// external program on disk.
	execCommand func(name string, args []string) *exec.Cmd
}

// New builds a Worker ready to run the lifecycle against cfg.
func New(cfg *config.Config, logger *hadlog.Logger) *Worker {
	return &Worker{
		Config:      cfg,
		Logger:      logger,
		execCommand: func(name string, args []string) *exec.Cmd { return exec.Command(name, args...) },
	}
}

func stopFilePresent(cfg *config.Config) bool {
	_, err := os.Stat(cfg.StandbyStopFile)
	return err == nil
}

// Run executes the full lifecycle and returns the process exit code.
func (w *Worker) Run() int {
	cfg := w.Config
	logger := w.Logger
	pid := os.Getpid()

	// Step 1: pre-payload guard.
	if stopFilePresent(cfg) {
		return 0
	}

	// Step 2: identity bootstrap.
	currentKind := fmt.Sprintf("unknown-%d", pid)
	if err := pidregistry.Write(cfg.PIDDir, currentKind, pid); err != nil {
		logger.Crit("worker: writing identity pid file", "err", err)
	}

	if err := applyHygiene(cfg); err != nil {
		logger.Crit("worker: process hygiene", "err", err)
	}

	allocator := slot.New(slot.Config{
		MaxProcs:        cfg.MaxProcs,
		StandbyMaxProcs: cfg.StandbyMaxProcs,
		LockDir:         cfg.LockDir,
		StandbyLockDir:  cfg.StandbyLockDir,
		Interval:        cfg.IntervalDuration(),
	})

	retryPredicate := cfg.RetryPredicate()
	unknownKind := currentKind
	vetoedByStopFile := false

	// Step 3: lock acquisition with the per-attempt hook.
	hook := func(attempt, standbySlot int) bool {
		if attempt == 1 {
			newKind := fmt.Sprintf("standby-%d", standbySlot)
			if err := pidregistry.Rename(cfg.PIDDir, unknownKind, newKind); err != nil {
				logger.Warn("worker: renaming pid file to standby identity", "err", err)
			}
			currentKind = newKind
		}
		if stopFilePresent(cfg) {
			vetoedByStopFile = true
			return false
		}
		return retryPredicate(attempt)
	}

	outcome, err := allocator.Acquire(hook)

	// Step 4: outcome branches.
	if err != nil {
		_ = pidregistry.Unlink(cfg.PIDDir, currentKind)
		if vetoedByStopFile {
			return 0
		}
		return 1
	}

	mainKind := fmt.Sprintf("main-%d", outcome.Slot)
	if err := pidregistry.Rename(cfg.PIDDir, currentKind, mainKind); err != nil {
		logger.Crit("worker: renaming pid file to main identity", "err", err)
	}
	currentKind = mainKind

	if stopFilePresent(cfg) {
		_ = pidregistry.Unlink(cfg.PIDDir, currentKind)
		return 0
	}

	exitCode := w.runPayload(outcome)

	_ = pidregistry.Unlink(cfg.PIDDir, currentKind)
	return exitCode
}

// runPayload invokes the configured external program, exporting the main
// lock's fd as HADC_lock_fd so the payload can inherit it across its own
// re-exec (spec.md §6, §9). The payload is run as a child of this worker
// process — not exec'd in place of it — so that, per spec.md §4.3 step 4,
// "on return, unlink the pid file and exit with the payload's return code"
// is possible at all: a literal in-place exec could never return here.
func (w *Worker) runPayload(outcome slot.Outcome) int {
	cfg := w.Config
	logger := w.Logger

	cmd := w.execCommand(cfg.Program, cfg.IPCCLOptions)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if lf := outcome.Lock.File(); lf != nil {
		cmd.ExtraFiles = []*os.File{lf}
		fd := 3 + len(cmd.ExtraFiles) - 1
		cmd.Env = append(os.Environ(), "HADC_lock_fd="+strconv.Itoa(fd))
	} else {
		cmd.Env = os.Environ()
	}

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		logger.Warn("worker: payload invocation failed", "err", err)
		return 1
	}
	return 0
}
