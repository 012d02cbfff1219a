// SPDX-License-Identifier: MIT

//go:build linux

// Package monitor provides a single local-process resource snapshot used
// to widen `status --verbose` output. It is a trim of the teacher's
// internal/stream/monitor.go ResourceMonitor down to the one operation
// hadc needs — everything else there (thresholds, alert callbacks,
// continuous ticker-driven monitoring) belonged to a long-running stream
// supervisor, not a per-invocation CLI command, and has no caller here.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Reading is a point-in-time resource reading for one PID.
type Reading struct {
	PID        int
	RSSBytes   int64
	CPUPercent float64
}

var procRoot = "/proc"

// Snapshot collects memory and an approximate lifetime CPU average for pid
// by reading /proc/<pid>/stat and /proc/<pid>/statm. Absence of /proc
// (non-Linux, or the process already gone) is reported as an error, never
// treated as fatal by callers — status still renders, just without the
// resource columns.
func Snapshot(pid int) (Reading, error) {
	return snapshotFrom(procRoot, pid)
}

func snapshotFrom(procPath string, pid int) (Reading, error) {
	procDir := filepath.Join(procPath, strconv.Itoa(pid))
	statPath := filepath.Join(procDir, "stat")
	info, err := os.Stat(statPath)
	if err != nil {
		return Reading{}, fmt.Errorf("monitor: process %d: %w", pid, err)
	}

	snap := Reading{PID: pid}

	if data, err := os.ReadFile(filepath.Join(procDir, "statm")); err == nil {
		snap.RSSBytes = parseRSSBytes(data)
	}

	if data, err := os.ReadFile(statPath); err == nil {
		if utime, stime, ok := parseUtimeStime(string(data)); ok {
			cpuSeconds := float64(utime+stime) / clockTicksPerSecond()
			if uptime := processUptimeSeconds(info); uptime > 0 {
				snap.CPUPercent = 100 * cpuSeconds / uptime
			}
		}
	}

	return snap, nil
}

// parseRSSBytes reads the resident set size (second field, in pages) out
// of /proc/<pid>/statm.
func parseRSSBytes(statm []byte) int64 {
	fields := strings.Fields(string(statm))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * int64(os.Getpagesize())
}

// parseUtimeStime extracts fields 14 and 15 (1-indexed, utime/stime in
// clock ticks) from /proc/<pid>/stat, skipping past the parenthesized comm
// field which may itself contain spaces or parentheses.
func parseUtimeStime(stat string) (utime, stime int64, ok bool) {
	idx := strings.LastIndex(stat, ")")
	if idx == -1 {
		return 0, 0, false
	}
	fields := strings.Fields(stat[idx+1:])
	if len(fields) < 13 {
		return 0, 0, false
	}
	utime, err1 := strconv.ParseInt(fields[11], 10, 64)
	stime, err2 := strconv.ParseInt(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return utime, stime, true
}

// processUptimeSeconds approximates how long the process behind info has
// been alive, using the stat file's mtime as a proxy for process start
// time. Exact to within a second, which is plenty for a rough CPU average.
func processUptimeSeconds(info os.FileInfo) float64 {
	elapsed := time.Since(info.ModTime()).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return elapsed
}

func clockTicksPerSecond() float64 {
	return 100 // USER_HZ is 100 on every mainstream Linux distribution hadc targets.
}

// FormatBytes renders n bytes as a short human-readable string (e.g.
// "12.3MB"), for status --verbose output.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := "KMGTPE"
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), units[exp])
}
