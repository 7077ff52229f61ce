package config

import (
	"strings"
	"testing"
)

func TestConfigValidate_Valid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should pass validation: %v", err)
	}

	cfg.Sim.BlockSize = 0x40
	cfg.Sim.RingBodySize = 0x40
	if err := cfg.Validate(); err != nil {
		t.Errorf("minimal ring should pass validation: %v", err)
	}
}

func TestConfigValidate_Timeouts(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero start timeout",
			mutate:  func(c *Config) { c.AFK.StartTimeoutMS = 0 },
			wantErr: "afk.start_timeout_ms",
		},
		{
			name:    "negative start timeout",
			mutate:  func(c *Config) { c.AFK.StartTimeoutMS = -100 },
			wantErr: "afk.start_timeout_ms",
		},
		{
			name:    "zero command timeout",
			mutate:  func(c *Config) { c.AFK.CommandTimeoutMS = 0 },
			wantErr: "afk.command_timeout_ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q: %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigValidate_RingLayout(t *testing.T) {
	tests := []struct {
		name    string
		block   int
		body    int
		wantErr string
	}{
		{"block below unit", 0x20, 0x1000, "sim.block_size"},
		{"block not a multiple of unit", 0x60, 0x1000, "sim.block_size"},
		{"zero block", 0, 0x1000, "sim.block_size"},
		{"zero body", 0x80, 0, "sim.ring_body_size"},
		{"body not a multiple of block", 0x80, 0xa0, "sim.ring_body_size"},
		{"negative body", 0x80, -0x80, "sim.ring_body_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Sim.BlockSize = tt.block
			cfg.Sim.RingBodySize = tt.body

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q: %v", tt.wantErr, err)
			}
		})
	}
}
