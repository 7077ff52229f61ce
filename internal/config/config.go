// Package config loads the TOML configuration for the transport layer
// and the simulator tooling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Log     LogConfig     `toml:"log"`
	AFK     AFKConfig     `toml:"afk"`
	Journal JournalConfig `toml:"journal"`
	Sim     SimConfig     `toml:"sim"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AFKConfig tunes the blocking waits of the transport. The protocol's
// wire constants (block unit, header layouts, capacities) are fixed and
// not configurable.
type AFKConfig struct {
	StartTimeoutMS   int `toml:"start_timeout_ms"`
	CommandTimeoutMS int `toml:"command_timeout_ms"`
}

type JournalConfig struct {
	Path string `toml:"path"`
}

// SimConfig shapes the rings the simulated coprocessor offers during
// negotiation.
type SimConfig struct {
	RingBodySize int `toml:"ring_body_size"`
	BlockSize    int `toml:"block_size"`
}

// Defaults returns a Config with sane defaults: 1 second waits, text
// logging at info, journaling disabled, 4 KiB ring bodies with 0x80
// blocks.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		AFK: AFKConfig{
			StartTimeoutMS:   1000,
			CommandTimeoutMS: 1000,
		},
		Sim: SimConfig{
			RingBodySize: 0x1000,
			BlockSize:    0x80,
		},
	}
}

// Load reads a TOML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the ring layout cannot represent.
func (c *Config) Validate() error {
	if c.AFK.StartTimeoutMS <= 0 {
		return fmt.Errorf("afk.start_timeout_ms must be positive, got %d", c.AFK.StartTimeoutMS)
	}
	if c.AFK.CommandTimeoutMS <= 0 {
		return fmt.Errorf("afk.command_timeout_ms must be positive, got %d", c.AFK.CommandTimeoutMS)
	}
	if c.Sim.BlockSize < 0x40 || c.Sim.BlockSize%0x40 != 0 {
		return fmt.Errorf("sim.block_size must be a positive multiple of 0x40, got %#x", c.Sim.BlockSize)
	}
	if c.Sim.RingBodySize <= 0 || c.Sim.RingBodySize%c.Sim.BlockSize != 0 {
		return fmt.Errorf("sim.ring_body_size must be a positive multiple of sim.block_size, got %#x", c.Sim.RingBodySize)
	}
	return nil
}

// StartTimeout returns the endpoint start wait as a duration.
func (c *AFKConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutMS) * time.Millisecond
}

// CommandTimeout returns the command completion wait as a duration.
func (c *AFKConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
