// SPDX-License-Identifier: MIT

// Package control implements spec.md §4.5: action dispatch, status
// pretty-printing, and init-script emission — the thin CLI-facing layer
// sitting on top of internal/supervisor.
//
// Grounded on the teacher's cmd/lyrebird-stream (flag-driven single-action
// CLI dispatch) for the dispatch shape, adapted here to hadc's fixed
// eight-action vocabulary. Colorized status output replaces huh/bubbletea's
// interactive prompt stack (dropped — see DESIGN.md) with
// charmbracelet/lipgloss applied directly to static status lines, and
// mattn/go-isatty for the terminal-detection mattn/go-isatty already
// provided transitively through the teacher's TUI dependencies.
package control

import (
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// colorsEnabled reports whether ANSI color codes should decorate output
// written to w, honoring HADC_NO_COLORS and an explicit quiet flag (spec.md
// §4.5: "suppressed when HADC_NO_COLORS is set or quiet is true").
func colorsEnabled(w io.Writer, quiet bool) bool {
	if quiet {
		return false
	}
	if os.Getenv("HADC_NO_COLORS") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// statusLabel renders "kind-slot" as "kind #slot" per spec.md §4.5's
// "type-with-first-dash-replaced-by-space-hash" rule.
func statusLabel(kind string, slot int) string {
	return kind + " #" + strconv.Itoa(slot)
}

// formatSlot implements spec.md §4.5's pretty-print format:
// "<name>: <type-with-first-dash-replaced-by-space-hash>  [<status>]",
// with unknown colors (there are only two, so this never triggers)
// defaulting to green.
func formatSlot(w io.Writer, name, kind string, slot int, running bool, quiet bool) string {
	label := statusLabel(kind, slot)
	status := "OK"
	style := okStyle
	if !running {
		status = "failure"
		style = failStyle
	}
	if colorsEnabled(w, quiet) {
		status = style.Render(status)
	}
	return name + ": " + label + "  [" + status + "]"
}
