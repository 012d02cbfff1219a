// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the environment-variable prefix layered over the YAML file,
// e.g. HADC_MAX_PROCS overrides the max_procs key.
const envPrefix = "HADC_"

// Load reads path (if non-empty) as YAML, then overlays HADC_* environment
// variables, then validates the result. Grounded on lyrebirdaudio-go's
// internal/config/koanf.go NewKoanfConfig/Load: a koanf.Koanf instance,
// a YAML file.Provider, and an env.Provider with a prefix-stripping
// TransformFunc, generalized to hadc's flat (non-nested) schema.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()
	if err := k.Load(structProvider(cfg), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: envTransform,
	}), nil); err != nil {
		return nil, fmt.Errorf("config: reading environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envTransform strips the HADC_ prefix and lowercases the remainder, e.g.
// HADC_MAX_PROCS -> max_procs. hadc's schema is flat, so — unlike a nested
// per-device schema — no "." path reconstruction is needed beyond
// case-folding.
func envTransform(k, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(k, envPrefix))
	return key, v
}

// structProvider wraps an already-populated *Config so it can be loaded as
// the base layer koanf merges file and env values on top of, without a
// throwaway intermediate YAML round-trip.
func structProvider(cfg *Config) koanfStructProvider {
	return koanfStructProvider{cfg: cfg}
}

type koanfStructProvider struct{ cfg *Config }

func (p koanfStructProvider) Read() (map[string]any, error) {
	return map[string]any{
		"name":              p.cfg.Name,
		"pid_dir":           p.cfg.PIDDir,
		"program":           p.cfg.Program,
		"ipc_cl_options":    p.cfg.IPCCLOptions,
		"max_procs":         p.cfg.MaxProcs,
		"standby_max_procs": p.cfg.StandbyMaxProcs,
		"interval":          p.cfg.Interval,
		"retries":           p.cfg.Retries,
		"lock_backend":      p.cfg.LockBackend,
		"lock_dir":          p.cfg.LockDir,
		"standby_lock_dir":  p.cfg.StandbyLockDir,
		"standby_stop_file": p.cfg.StandbyStopFile,
		"user":              p.cfg.User,
		"group":             p.cfg.Group,
		"umask":             p.cfg.Umask,
		"working_dir":       p.cfg.WorkingDir,
		"stdout_log":        p.cfg.StdoutLog,
		"stderr_log":        p.cfg.StderrLog,
		"kill_timeout":      p.cfg.KillTimeout,
		"main_timeout":      p.cfg.MainTimeout,
		"standby_timeout":   p.cfg.StandbyTimeout,
		"pid_file_template": p.cfg.PidFileTemplate,
		"init_config":       p.cfg.InitConfig,
		"init_code":         p.cfg.InitCode,
	}, nil
}

func (p koanfStructProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("koanfStructProvider: ReadBytes not supported")
}
