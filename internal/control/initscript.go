// SPDX-License-Identifier: MIT

package control

import (
	"strings"

	"github.com/nmatsui/hadc/internal/config"
)

// initScriptTemplate is the built-in LSB-header init script spec.md §6
// describes. Substitution is intentionally trivial — a flat "[% KEY %]"
// replace, no conditionals — per spec.md §4.5's design note; any
// conditional content (the CONFIG and CODE blocks) is pre-rendered by
// RenderInitScript before substitution runs.
const initScriptTemplate = `#!/bin/sh
### BEGIN INIT INFO
# Provides:          [% NAME %]
# Required-Start:    $remote_fs $syslog
# Required-Stop:     $remote_fs $syslog
# Default-Start:     2 3 4 5
# Default-Stop:      0 1 6
# Short-Description: [% NAME %] high-availability process supervisor
### END INIT INFO

[% CONFIG_BLOCK %]
[% CODE_BLOCK %]
case "$1" in
    start|stop|restart|hard_restart|status|reload|fork|get_init_file)
        exec "[% SELF %]" "$1"
        ;;
    *)
        echo "Usage: $0 {start|stop|restart|hard_restart|status|reload|fork}" >&2
        exit 1
        ;;
esac
`

// RenderInitScript builds the init script for cfg, re-exec'ing selfPath for
// every dispatched action.
func RenderInitScript(cfg *config.Config, selfPath string) string {
	configBlock := ""
	if cfg.InitConfig != "" {
		configBlock = "[ -r " + cfg.InitConfig + " ] && . " + cfg.InitConfig
	}

	replacer := strings.NewReplacer(
		"[% NAME %]", cfg.Name,
		"[% SELF %]", selfPath,
		"[% CONFIG_BLOCK %]", configBlock,
		"[% CODE_BLOCK %]", cfg.InitCode,
	)
	return replacer.Replace(initScriptTemplate)
}
