// SPDX-License-Identifier: MIT

package control

import (
	"fmt"
	"io"
	"strings"

	"github.com/nmatsui/hadc/internal/config"
	"github.com/nmatsui/hadc/internal/monitor"
	"github.com/nmatsui/hadc/internal/pidregistry"
	"github.com/nmatsui/hadc/internal/supervisor"
)

// Valid actions, per spec.md §6's CLI surface.
const (
	ActionStart       = "start"
	ActionStop        = "stop"
	ActionRestart     = "restart"
	ActionHardRestart = "hard_restart"
	ActionStatus      = "status"
	ActionReload      = "reload"
	ActionFork        = "fork"
	ActionGetInitFile = "get_init_file"
)

var validActions = []string{
	ActionStart, ActionStop, ActionRestart, ActionHardRestart,
	ActionStatus, ActionReload, ActionFork, ActionGetInitFile,
}

// NormalizeAction strips the leading dashes spec.md §4.5 says the dispatch
// tolerates ("-status", "--status" and "status" are equivalent).
func NormalizeAction(raw string) string {
	return strings.TrimLeft(raw, "-")
}

func isValidAction(action string) bool {
	for _, a := range validActions {
		if a == action {
			return true
		}
	}
	return false
}

// Options carries the bits of CLI state Dispatch needs beyond the action
// token itself.
type Options struct {
	// SelfPath is the binary path get_init_file embeds so the emitted
	// script re-execs the right hadc build.
	SelfPath string
	// ConfigPath, if set, is re-read before reload resignals mains — the
	// hot-reload supplement to spec.md's plain SIGHUP behavior.
	ConfigPath string
	Quiet      bool
	// Verbose adds a resource snapshot (CPU%, RSS) to each running slot's
	// status line.
	Verbose bool
}

// Dispatch runs action against sup, writing any user-facing output
// (status lines, the init script) to out. It returns the process exit
// code.
func Dispatch(out io.Writer, cfg *config.Config, sup *supervisor.Supervisor, action string, opts Options) int {
	action = NormalizeAction(action)
	if !isValidAction(action) {
		fmt.Fprintf(out, "hadc: unknown action %q; valid actions: %s\n", action, strings.Join(validActions, ", "))
		return 1
	}

	switch action {
	case ActionStart:
		return sup.Start()
	case ActionStop:
		return sup.Stop()
	case ActionRestart:
		return sup.Restart()
	case ActionHardRestart:
		return sup.HardRestart()
	case ActionReload:
		reloadConfig(cfg, opts.ConfigPath)
		return sup.Reload()
	case ActionFork:
		return sup.Fork()
	case ActionGetInitFile:
		fmt.Fprint(out, RenderInitScript(cfg, opts.SelfPath))
		return 0
	case ActionStatus:
		return dispatchStatus(out, cfg, sup, opts)
	default:
		// Unreachable: isValidAction already filtered the action set.
		return 1
	}
}

// reloadConfig re-reads the config file in place, so a subsequent SIGHUP
// delivery reflects any on-disk edits. Per spec.md's error taxonomy, a
// load/validate failure here is not fatal to reload — it only means mains
// get signaled against the configuration already in memory.
func reloadConfig(cfg *config.Config, path string) {
	if path == "" {
		return
	}
	fresh, err := config.Load(path)
	if err != nil {
		return
	}
	*cfg = *fresh
}

func dispatchStatus(out io.Writer, cfg *config.Config, sup *supervisor.Supervisor, opts Options) int {
	statuses, code := sup.Status()
	for _, st := range statuses {
		line := formatSlot(out, cfg.Name, st.Kind, st.Slot, st.Running, opts.Quiet)
		if opts.Verbose && st.Running {
			if pid, ok, err := pidregistry.PidOfType(cfg.PIDDir, fmt.Sprintf("%s-%d", st.Kind, st.Slot)); err == nil && ok {
				if snap, err := monitor.Snapshot(pid); err == nil {
					line += fmt.Sprintf(" cpu=%.1f%% rss=%s", snap.CPUPercent, monitor.FormatBytes(snap.RSSBytes))
				}
			}
		}
		fmt.Fprintln(out, line)
	}
	return code
}
