// SPDX-License-Identifier: MIT

// Package config defines the single immutable configuration record hadc
// commands are built from, and its centralized validation.
//
// Grounded on the lyrebirdaudio-go internal/config/config.go (a validated
// struct plus a Validate() method) and its koanf.go loading machinery,
// generalized from its per-device YAML schema to hadc's flatter field set.
// The configuration-error taxonomy lives entirely in Validate; there are no
// generated per-field getters, just one record callers read directly.
package config

import (
	"fmt"
	"time"
)

// Config is the single record every command builds from at entry. No
// per-field accessors are generated; callers read fields directly.
type Config struct {
	Name string `koanf:"name"`

	PIDDir          string   `koanf:"pid_dir"`
	Program         string   `koanf:"program"`
	IPCCLOptions    []string `koanf:"ipc_cl_options"`
	MaxProcs        int      `koanf:"max_procs"`
	StandbyMaxProcs int      `koanf:"standby_max_procs"`

	// Interval is the standby poll period, in seconds.
	Interval int `koanf:"interval"`

	// Retries is a retry count: the retry predicate returns true for
	// attempts 1..Retries. Zero (the default) means unbounded retries —
	// see RetryPredicate. RetryFunc, if set programmatically, overrides
	// Retries entirely (not loadable from YAML/env; only available to
	// callers constructing a Config in code).
	Retries  int `koanf:"retries"`
	RetryFunc func(attempt int) bool `koanf:"-"`

	LockBackend     string `koanf:"lock_backend"`
	LockDir         string `koanf:"lock_dir"`
	StandbyLockDir  string `koanf:"standby_lock_dir"`
	StandbyStopFile string `koanf:"standby_stop_file"`

	User     string `koanf:"user"`
	Group    string `koanf:"group"`
	Umask    int    `koanf:"umask"`
	WorkingDir string `koanf:"working_dir"`

	StdoutLog string `koanf:"stdout_log"`
	StderrLog string `koanf:"stderr_log"`

	// KillTimeout bounds each escalating-signal poll during stop/restart,
	// in seconds.
	KillTimeout int `koanf:"kill_timeout"`

	// MainTimeout and StandbyTimeout bound fork_until's per-round wait, in
	// seconds. MainTimeout defaults to StandbyTimeout when left zero,
	// documenting (rather than silently inheriting) the source's
	// conflation of the two.
	MainTimeout    int `koanf:"main_timeout"`
	StandbyTimeout int `koanf:"standby_timeout"`

	PidFileTemplate string `koanf:"pid_file_template"`

	InitConfig string `koanf:"init_config"`
	InitCode   string `koanf:"init_code"`
}

// Default returns a Config with its documented non-zero defaults set. Load
// starts from this before applying file and environment overrides.
func Default() *Config {
	return &Config{
		LockBackend:     "flock",
		Interval:        1,
		KillTimeout:     3,
		PidFileTemplate: "<pid_dir>/<kind>-<slot>.pid",
	}
}

// resolvedStandbyTimeout returns StandbyTimeout if set, else interval+3, the
// default fork_until wait.
func (c *Config) resolvedStandbyTimeout() int {
	if c.StandbyTimeout > 0 {
		return c.StandbyTimeout
	}
	return c.Interval + 3
}

// StandbyTimeoutDuration is the standby_timeout fork_until uses, as a
// time.Duration.
func (c *Config) StandbyTimeoutDuration() time.Duration {
	return time.Duration(c.resolvedStandbyTimeout()) * time.Second
}

// MainTimeoutDuration is the main_timeout fork_until uses, as a
// time.Duration. It defaults to StandbyTimeout when zero.
func (c *Config) MainTimeoutDuration() time.Duration {
	if c.MainTimeout > 0 {
		return time.Duration(c.MainTimeout) * time.Second
	}
	return c.StandbyTimeoutDuration()
}

// IntervalDuration is the standby poll period as a time.Duration.
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// KillTimeoutDuration is the per-signal poll window as a time.Duration.
func (c *Config) KillTimeoutDuration() time.Duration {
	return time.Duration(c.KillTimeout) * time.Second
}

// RetryPredicate returns the closure the slot allocator calls between
// attempts. RetryFunc, if set, takes precedence; otherwise a positive
// Retries bounds the attempt count — a count N means the predicate returns
// true for attempts 1..N — and Retries <= 0 means unbounded.
func (c *Config) RetryPredicate() func(attempt int) bool {
	if c.RetryFunc != nil {
		return c.RetryFunc
	}
	if c.Retries <= 0 {
		return func(attempt int) bool { return true }
	}
	max := c.Retries
	return func(attempt int) bool { return attempt <= max }
}

// Validate centralizes the configuration-error taxonomy: missing
// name/pid_dir/program/ipc_cl_options, and an unsupported lock backend
// (hadc supports exactly one, flock).
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: missing required field %q", "name")
	}
	if c.PIDDir == "" {
		return fmt.Errorf("config: missing required field %q", "pid_dir")
	}
	if c.Program == "" {
		return fmt.Errorf("config: missing required field %q", "program")
	}
	if len(c.IPCCLOptions) == 0 {
		return fmt.Errorf("config: missing required field %q", "ipc_cl_options")
	}
	if c.LockBackend != "flock" {
		return fmt.Errorf("config: unsupported lock_backend %q (only \"flock\" is supported)", c.LockBackend)
	}
	if c.MaxProcs <= 0 {
		return fmt.Errorf("config: max_procs must be positive, got %d", c.MaxProcs)
	}
	if c.StandbyMaxProcs < 0 {
		return fmt.Errorf("config: standby_max_procs must not be negative, got %d", c.StandbyMaxProcs)
	}
	if c.LockDir == "" {
		return fmt.Errorf("config: missing required field %q", "lock_dir")
	}
	if c.StandbyMaxProcs > 0 && c.StandbyLockDir == "" {
		return fmt.Errorf("config: missing required field %q", "standby_lock_dir")
	}
	if c.StandbyStopFile == "" {
		return fmt.Errorf("config: missing required field %q", "standby_stop_file")
	}
	return nil
}
