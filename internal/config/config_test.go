package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "afk.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log defaults: got %+v", cfg.Log)
	}
	if cfg.AFK.StartTimeout() != time.Second || cfg.AFK.CommandTimeout() != time.Second {
		t.Errorf("timeouts: got %v / %v, want 1s each", cfg.AFK.StartTimeout(), cfg.AFK.CommandTimeout())
	}
	if cfg.Sim.BlockSize != 0x80 || cfg.Sim.RingBodySize != 0x1000 {
		t.Errorf("sim defaults: got %+v", cfg.Sim)
	}
	if cfg.Journal.Path != "" {
		t.Errorf("journal should be disabled by default, got %q", cfg.Journal.Path)
	}
}

func TestLoadNoFile(t *testing.T) {
	// Load with empty path → returns defaults
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AFK.StartTimeoutMS != 1000 {
		t.Errorf("StartTimeoutMS: got %d, want 1000", cfg.AFK.StartTimeoutMS)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "debug"

[afk]
command_timeout_ms = 250

[journal]
path = "/tmp/afk-journal.db"

[sim]
block_size = 64
ring_body_size = 256
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q, want debug", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format: got %q, want default text", cfg.Log.Format)
	}
	if cfg.AFK.CommandTimeout() != 250*time.Millisecond {
		t.Errorf("CommandTimeout: got %v", cfg.AFK.CommandTimeout())
	}
	if cfg.AFK.StartTimeout() != time.Second {
		t.Errorf("StartTimeout: got %v, want untouched default", cfg.AFK.StartTimeout())
	}
	if cfg.Journal.Path != "/tmp/afk-journal.db" {
		t.Errorf("Journal.Path: got %q", cfg.Journal.Path)
	}
	if cfg.Sim.BlockSize != 64 || cfg.Sim.RingBodySize != 256 {
		t.Errorf("Sim: got %+v", cfg.Sim)
	}
}

func TestLoadBadTOML(t *testing.T) {
	path := writeConfig(t, "{{invalid")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	got := ExpandHome("~/foo/bar")
	want := filepath.Join(home, "foo/bar")
	if got != want {
		t.Errorf("ExpandHome: got %q, want %q", got, want)
	}

	// Non-home path unchanged
	if got := ExpandHome("/absolute/path"); got != "/absolute/path" {
		t.Errorf("ExpandHome: got %q, want /absolute/path", got)
	}
}
