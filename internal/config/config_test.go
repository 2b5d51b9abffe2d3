package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	// We pass nil for cmd to skip flags
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("Expected default log level %s, got %s", DefaultLogLevel, cfg.Log.Level)
	}
	if cfg.Sandbox.PortRangeStart != DefaultSandboxPortRangeStart {
		t.Errorf("Expected default port range start %d, got %d", DefaultSandboxPortRangeStart, cfg.Sandbox.PortRangeStart)
	}
	if cfg.Sandbox.PortRangeEnd != DefaultSandboxPortRangeEnd {
		t.Errorf("Expected default port range end %d, got %d", DefaultSandboxPortRangeEnd, cfg.Sandbox.PortRangeEnd)
	}
	if cfg.Agent.Command != DefaultAgentCommand {
		t.Errorf("Expected default agent command %s, got %s", DefaultAgentCommand, cfg.Agent.Command)
	}
	if cfg.DevServer.Command != DefaultDevServerCommand {
		t.Errorf("Expected default dev server command %s, got %s", DefaultDevServerCommand, cfg.DevServer.Command)
	}
	if cfg.DevServer.CacheDir != DefaultDevServerCacheDir {
		t.Errorf("Expected default cache dir %s, got %s", DefaultDevServerCacheDir, cfg.DevServer.CacheDir)
	}
	if cfg.ACP.HandshakeTimeout != DefaultACPHandshakeTimeout {
		t.Errorf("Expected default handshake timeout %s, got %s", DefaultACPHandshakeTimeout, cfg.ACP.HandshakeTimeout)
	}
	if cfg.ACP.MessageTimeout != DefaultACPMessageTimeout {
		t.Errorf("Expected default message timeout %s, got %s", DefaultACPMessageTimeout, cfg.ACP.MessageTimeout)
	}
	if cfg.ACP.TerminateTimeout != DefaultACPTerminateTimeout {
		t.Errorf("Expected default terminate timeout %s, got %s", DefaultACPTerminateTimeout, cfg.ACP.TerminateTimeout)
	}
	if !cfg.Templates.OverwriteSkills {
		t.Error("Expected skills overwrite to default to true")
	}

	home := os.Getenv("HOME")
	if cfg.Sandbox.BasePath != filepath.Join(home, ".daiku", "sandboxes") {
		t.Errorf("Unexpected default sandbox base path %s", cfg.Sandbox.BasePath)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DAIKU_LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected env override log level debug, got %s", cfg.Log.Level)
	}
}

func TestLoadConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	confDir := filepath.Join(home, ".daiku")
	if err := os.MkdirAll(confDir, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	content := "sandbox:\n  port_range_start: 4000\nacp:\n  message_timeout: 10m\n"
	if err := os.WriteFile(filepath.Join(confDir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Sandbox.PortRangeStart != 4000 {
		t.Errorf("Expected port range start 4000 from file, got %d", cfg.Sandbox.PortRangeStart)
	}
	if cfg.ACP.MessageTimeout != "10m" {
		t.Errorf("Expected message timeout 10m from file, got %s", cfg.ACP.MessageTimeout)
	}
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("", "5s")
	if err != nil {
		t.Fatalf("DurationOrDefault failed: %v", err)
	}
	if d.Seconds() != 5 {
		t.Errorf("Expected 5s fallback, got %v", d)
	}

	if _, err := DurationOrDefault("nonsense", "5s"); err == nil {
		t.Error("Expected error for invalid duration")
	}
}
