package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.ConnectTimeout != def.ConnectTimeout || cfg.LocalPort != def.LocalPort || cfg.ChunkSize != def.ChunkSize {
		t.Fatalf("got %+v, want defaults %+v", cfg, def)
	}
	if cfg.ConnectTimeoutDuration() != 20*time.Second || cfg.IntervalDuration() != 500*time.Millisecond {
		t.Fatalf("durations = %v/%v", cfg.ConnectTimeoutDuration(), cfg.IntervalDuration())
	}
	if len(cfg.STUNServers) == 0 {
		t.Fatal("default stun servers missing")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfile.yaml")
	content := `
connect_timeout: 3000
connect_interval_time: 100
local_port: 40000
chunk_size: 1024
download_dir: /tmp/in
stun_servers:
  - stun:127.0.0.1:3478
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConnectTimeout != 3000 || cfg.ConnectIntervalTime != 100 || cfg.LocalPort != 40000 || cfg.ChunkSize != 1024 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if cfg.DownloadDir != "/tmp/in" || len(cfg.STUNServers) != 1 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if cfg.MaxPort != DefaultMaxPort || cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("unset keys lost their defaults: %+v", cfg)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("TRANSFILE_LOCAL_PORT", "45000")
	t.Setenv("TRANSFILE_LOG_LEVEL", "debug")
	t.Setenv("TRANSFILE_CHUNK_SIZE", "2048")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LocalPort != 45000 || cfg.LogLevel != "debug" || cfg.ChunkSize != 2048 {
		t.Fatalf("env not applied: %+v", cfg)
	}

	t.Setenv("TRANSFILE_MAX_PORT", "lots")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for a non-numeric port")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("local_port: [1, 2"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"interval above timeout", func(c *Config) { c.ConnectIntervalTime = c.ConnectTimeout + 1 }, "exceeds connect_timeout"},
		{"zero timeout", func(c *Config) { c.ConnectTimeout = 0 }, "connect_timeout"},
		{"inverted range", func(c *Config) { c.MinPort, c.MaxPort = 5000, 4000 }, "port range"},
		{"local port outside range", func(c *Config) { c.LocalPort = 80 }, "local_port"},
		{"chunk too large", func(c *Config) { c.ChunkSize = 2 << 20 }, "chunk_size"},
		{"chunk zero", func(c *Config) { c.ChunkSize = 0 }, "chunk_size"},
		{"unknown level", func(c *Config) { c.LogLevel = "loud" }, "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.LocalPort = 41000
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LocalPort != 41000 {
		t.Fatalf("local_port = %d", got.LocalPort)
	}
}
