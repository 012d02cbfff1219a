// SPDX-License-Identifier: MIT

//go:build linux

// Package pidregistry implements the pure filesystem operations backing slot
// occupancy: writing, reading, renaming and unlinking pid files, and probing
// liveness of the PID each one names.
//
// Grounded on veschin-glm-claude-subagent's internal/job/job.go
// (ReadStatus's missing-file handling; Write here is a plain
// create-or-truncate, not a temp-file-then-rename) and internal/job/reconcile.go (pidAlive's
// kill(pid, 0) interpretation, CheckJobPID's re-validate-on-read pattern —
// the basis for PidOfType's stale-pid-file reconciliation on every read).
package pidregistry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Path returns the on-disk path for a pid file of the given kind (e.g.
// "main-1", "standby-2", "unknown-4711") under pidDir.
func Path(pidDir, kind string) string {
	return filepath.Join(pidDir, kind+".pid")
}

// Write creates or truncates the pid file for kind and writes pid's decimal
// text. Callers treat a write failure as fatal (log at CRIT and exit);
// Write itself just returns the error.
func Write(pidDir, kind string, pid int) error {
	path := Path(pidDir, kind)
	// #nosec G306 - pid files are read by cooperating local processes only
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("pidregistry: write %s: %w", path, err)
	}
	return nil
}

// Read returns the PID recorded for kind. ok is false when the file is
// absent ("no pid"); a malformed file is reported as an error, not as
// absence.
func Read(pidDir, kind string) (pid int, ok bool, err error) {
	path := Path(pidDir, kind)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("pidregistry: read %s: %w", path, err)
	}

	text := strings.TrimSpace(string(data))
	pid, convErr := strconv.Atoi(text)
	if convErr != nil {
		return 0, false, fmt.Errorf("pidregistry: malformed pid file %s: %q", path, text)
	}
	return pid, true, nil
}

// Rename atomically moves the pid file from oldKind to newKind. Must be
// atomic on the same filesystem, which os.Rename guarantees for paths
// sharing a parent directory — both are always under pidDir here.
func Rename(pidDir, oldKind, newKind string) error {
	oldPath := Path(pidDir, oldKind)
	newPath := Path(pidDir, newKind)
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("pidregistry: rename %s -> %s: %w", oldPath, newPath, err)
	}
	return nil
}

// Unlink removes the pid file for kind. Absence is not an error.
func Unlink(pidDir, kind string) error {
	path := Path(pidDir, kind)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("pidregistry: unlink %s: %w", path, err)
	}
	return nil
}

// Liveness reports whether pid names a running process via kill(pid, 0):
// success or EPERM both mean "running" (EPERM only because we lack
// privilege to signal it); ESRCH means not running; every other errno is
// reported as err so the caller can treat it as fatal.
//
// privileged is true exactly in the EPERM case, so callers can log an
// insufficient-privileges warning without this package taking a logger
// dependency.
func Liveness(pid int) (alive bool, privileged bool, err error) {
	if pid <= 0 {
		return false, false, nil
	}

	errno := syscall.Kill(pid, 0)
	switch {
	case errno == nil:
		return true, false, nil
	case errors.Is(errno, syscall.ESRCH):
		return false, false, nil
	case errors.Is(errno, syscall.EPERM):
		return true, true, nil
	default:
		return false, false, fmt.Errorf("pidregistry: kill(%d, 0): %w", pid, errno)
	}
}

// PidOfType reads the pid file for kind and re-validates liveness on every
// call — not just at worker startup — so a pid file left behind by a
// process that died without cleaning up never reports as running. ok is
// false ("none") when the file is absent or the recorded PID is not live;
// a stale pid file found this way is
// removed so subsequent readers don't repeat the kill(2) probe against a
// PID that's already known dead (mirrors veschin's CheckJobPID, which
// updates status in place once it observes a dead PID).
func PidOfType(pidDir, kind string) (pid int, ok bool, err error) {
	pid, present, err := Read(pidDir, kind)
	if err != nil {
		return 0, false, err
	}
	if !present {
		return 0, false, nil
	}

	alive, _, err := Liveness(pid)
	if err != nil {
		return 0, false, err
	}
	if !alive {
		_ = Unlink(pidDir, kind)
		return 0, false, nil
	}
	return pid, true, nil
}
