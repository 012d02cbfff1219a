package control

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nmatsui/hadc/internal/config"
	"github.com/nmatsui/hadc/internal/hadlog"
	"github.com/nmatsui/hadc/internal/pidregistry"
	"github.com/nmatsui/hadc/internal/supervisor"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Name:            "demo",
		PIDDir:          dir,
		Program:         "/bin/true",
		IPCCLOptions:    []string{"--ok"},
		MaxProcs:        1,
		StandbyMaxProcs: 0,
		LockBackend:     "flock",
		LockDir:         filepath.Join(dir, "lock"),
		StandbyLockDir:  filepath.Join(dir, "lock-standby"),
		StandbyStopFile: filepath.Join(dir, "standby-stop-file"),
	}
}

func TestDispatchUnknownActionListsValidOnes(t *testing.T) {
	cfg := testConfig(t)
	sup := supervisor.New(cfg, hadlog.Discard(), "")
	var buf bytes.Buffer

	code := Dispatch(&buf, cfg, sup, "--bogus", Options{SelfPath: "/usr/bin/hadc"})
	if code != 1 {
		t.Errorf("Dispatch() = %d, want 1", code)
	}
	if !strings.Contains(buf.String(), "start") || !strings.Contains(buf.String(), "bogus") {
		t.Errorf("Dispatch() output = %q, want the unknown action and the valid list", buf.String())
	}
}

func TestDispatchStripsLeadingDashes(t *testing.T) {
	cfg := testConfig(t)
	sup := supervisor.New(cfg, hadlog.Discard(), "")
	var buf bytes.Buffer

	// reload with no main slots running is a no-op success.
	code := Dispatch(&buf, cfg, sup, "--reload", Options{SelfPath: "/usr/bin/hadc"})
	if code != 0 {
		t.Errorf("Dispatch(--reload) = %d, want 0", code)
	}
}

func TestDispatchGetInitFileEmitsScript(t *testing.T) {
	cfg := testConfig(t)
	sup := supervisor.New(cfg, hadlog.Discard(), "")
	var buf bytes.Buffer

	if code := Dispatch(&buf, cfg, sup, "get_init_file", Options{SelfPath: "/usr/bin/hadc"}); code != 0 {
		t.Errorf("Dispatch(get_init_file) = %d, want 0", code)
	}
	if !strings.Contains(buf.String(), "demo") || !strings.Contains(buf.String(), "/usr/bin/hadc") {
		t.Errorf("init script = %q, missing name or self path", buf.String())
	}
}

func TestDispatchStatusReportsNotRunning(t *testing.T) {
	cfg := testConfig(t)
	sup := supervisor.New(cfg, hadlog.Discard(), "")
	var buf bytes.Buffer

	code := Dispatch(&buf, cfg, sup, "status", Options{SelfPath: "/usr/bin/hadc", Quiet: true})
	if code != 1 {
		t.Errorf("Dispatch(status) = %d, want 1", code)
	}
	if !strings.Contains(buf.String(), "demo: main #1") || !strings.Contains(buf.String(), "failure") {
		t.Errorf("status output = %q", buf.String())
	}
}

func TestDispatchStatusReportsRunning(t *testing.T) {
	cfg := testConfig(t)
	if err := pidregistry.Write(cfg.PIDDir, "main-1", os.Getpid()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	sup := supervisor.New(cfg, hadlog.Discard(), "")
	var buf bytes.Buffer

	code := Dispatch(&buf, cfg, sup, "status", Options{SelfPath: "/usr/bin/hadc", Quiet: true})
	if code != 0 {
		t.Errorf("Dispatch(status) = %d, want 0", code)
	}
	if !strings.Contains(buf.String(), "OK") {
		t.Errorf("status output = %q, want OK", buf.String())
	}
}

func TestDispatchStatusVerboseAddsResourceSnapshot(t *testing.T) {
	cfg := testConfig(t)
	if err := pidregistry.Write(cfg.PIDDir, "main-1", os.Getpid()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	sup := supervisor.New(cfg, hadlog.Discard(), "")
	var buf bytes.Buffer

	code := Dispatch(&buf, cfg, sup, "status", Options{SelfPath: "/usr/bin/hadc", Quiet: true, Verbose: true})
	if code != 0 {
		t.Errorf("Dispatch(status) = %d, want 0", code)
	}
	if !strings.Contains(buf.String(), "rss=") {
		t.Errorf("verbose status output = %q, want a resource snapshot", buf.String())
	}
}
