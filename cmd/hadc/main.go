// SPDX-License-Identifier: MIT

// Command hadc is the CLI entry point for the process supervisor: it
// dispatches the eight actions spec.md §6 names (start, stop, restart,
// hard_restart, status, reload, fork, get_init_file) and, when re-exec'd
// with the hidden worker subcommand, runs the grandchild lifecycle of
// spec.md §4.3 instead.
//
// Grounded on the teacher's cmd/lyrebird-stream/main.go: flag.String-based
// configuration, a log.Logger-free but hadlog-driven startup sequence, and
// a printUsage helper mirroring flag.PrintDefaults.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nmatsui/hadc/internal/config"
	"github.com/nmatsui/hadc/internal/control"
	"github.com/nmatsui/hadc/internal/hadlog"
	"github.com/nmatsui/hadc/internal/supervisor"
	"github.com/nmatsui/hadc/internal/worker"
)

func main() {
	// The worker subcommand is dispatched before flag.Parse runs, since it
	// carries its own environment-only configuration (HADC_CONFIG_FILE)
	// and never takes CLI flags of its own.
	if len(os.Args) > 1 && os.Args[1] == supervisor.WorkerSubcommand {
		os.Exit(runWorker())
	}

	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run implements everything main does after the worker-subcommand check,
// with os.Exit replaced by a returned code so tests can drive it without
// terminating the test binary.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hadc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file (required)")
	verbose := fs.Bool("verbose", false, "Add a resource snapshot to each running slot in status output")
	quiet := fs.Bool("quiet", false, "Suppress ANSI color in status output")
	showHelp := fs.Bool("help", false, "Show this help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *showHelp {
		printUsage(stdout, fs)
		return 0
	}

	positional := fs.Args()
	if len(positional) != 1 {
		printUsage(stderr, fs)
		return 1
	}
	action := positional[0]

	if *configPath == "" {
		fmt.Fprintln(stderr, "hadc: -config is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "hadc: %v\n", err)
		return 1
	}

	logger := hadlog.New(stderr, hadlog.TraceEnabled())
	sup := supervisor.New(cfg, logger, *configPath)

	self, err := os.Executable()
	if err != nil {
		logger.Crit("hadc: locating self binary", "err", err)
	}

	return control.Dispatch(stdout, cfg, sup, action, control.Options{
		SelfPath:   self,
		ConfigPath: *configPath,
		Quiet:      *quiet,
		Verbose:    *verbose,
	})
}

// runWorker runs the grandchild lifecycle of spec.md §4.3. The config path
// travels through HADC_CONFIG_FILE (set by internal/supervisor.spawn)
// rather than -config, since this process was not launched with the
// user's original argv.
func runWorker() int {
	path := os.Getenv("HADC_CONFIG_FILE")
	if path == "" {
		fmt.Fprintln(os.Stderr, "hadc: worker started without HADC_CONFIG_FILE")
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hadc: worker: %v\n", err)
		return 1
	}

	logger := hadlog.New(os.Stderr, hadlog.TraceEnabled())
	w := worker.New(cfg, logger)
	return w.Run()
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "hadc - high-availability process supervisor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hadc -config PATH <action>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  start          Spawn mains and standbys up to the configured population")
	fmt.Fprintln(w, "  stop           Signal every worker to exit and wait for them to drain")
	fmt.Fprintln(w, "  restart        Roll mains via standby promotion, falling back to hard_restart")
	fmt.Fprintln(w, "                 when standbys are disabled")
	fmt.Fprintln(w, "  hard_restart   stop followed by start")
	fmt.Fprintln(w, "  status         Report Running/Not Running for every expected slot")
	fmt.Fprintln(w, "  reload         Send SIGHUP to every running main")
	fmt.Fprintln(w, "  fork           Top up populations without waiting for completeness")
	fmt.Fprintln(w, "  get_init_file  Emit a POSIX init script to stdout")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}
