package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/daiku/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
	Templates TemplatesConfig `koanf:"templates"`
	Agent     AgentConfig     `koanf:"agent"`
	DevServer DevServerConfig `koanf:"dev_server"`
	ACP       ACPConfig       `koanf:"acp"`
	Snapshot  SnapshotConfig  `koanf:"snapshot"`
	Remote    RemoteConfig    `koanf:"remote"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type SandboxConfig struct {
	BasePath       string `koanf:"base_path"`
	PortRangeStart int    `koanf:"port_range_start"`
	PortRangeEnd   int    `koanf:"port_range_end"`
}

type TemplatesConfig struct {
	OutputsPath      string `koanf:"outputs_path"`
	EnvPath          string `koanf:"env_path"`
	SkillsPath       string `koanf:"skills_path"`
	InstructionsPath string `koanf:"instructions_path"`
	OverwriteSkills  bool   `koanf:"overwrite_skills"`
}

type AgentConfig struct {
	Command       string   `koanf:"command"`
	DisabledTools []string `koanf:"disabled_tools"`
}

type DevServerConfig struct {
	Command          string `koanf:"command"`
	CacheDir         string `koanf:"cache_dir"`
	ReadinessTimeout string `koanf:"readiness_timeout"`
	PollInterval     string `koanf:"poll_interval"`
}

type ACPConfig struct {
	HandshakeTimeout string `koanf:"handshake_timeout"`
	MessageTimeout   string `koanf:"message_timeout"`
	TerminateTimeout string `koanf:"terminate_timeout"`
}

type SnapshotConfig struct {
	StorePath string `koanf:"store_path"`
}

type RemoteConfig struct {
	BaseURL       string `koanf:"base_url"`
	HealthTimeout string `koanf:"health_timeout"`
}

const (
	DefaultLogLevel                  = "info"
	DefaultSandboxPortRangeStart     = 3100
	DefaultSandboxPortRangeEnd       = 3400
	DefaultAgentCommand              = "opencode acp"
	DefaultDevServerCommand          = "npm run dev -- --port {port}"
	DefaultDevServerCacheDir         = ".next"
	DefaultDevServerReadinessTimeout = "60s"
	DefaultDevServerPollInterval     = "500ms"
	DefaultACPHandshakeTimeout       = "30s"
	DefaultACPMessageTimeout         = "5m"
	DefaultACPTerminateTimeout       = "5s"
	DefaultRemoteHealthTimeout       = "5s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"log.level":                   DefaultLogLevel,
		"sandbox.base_path":           filepath.Join(os.Getenv("HOME"), ".daiku", "sandboxes"),
		"sandbox.port_range_start":    DefaultSandboxPortRangeStart,
		"sandbox.port_range_end":      DefaultSandboxPortRangeEnd,
		"templates.outputs_path":      filepath.Join(os.Getenv("HOME"), ".daiku", "templates", "outputs"),
		"templates.env_path":          filepath.Join(os.Getenv("HOME"), ".daiku", "templates", "env"),
		"templates.skills_path":       filepath.Join(os.Getenv("HOME"), ".daiku", "templates", "skills"),
		"templates.instructions_path": filepath.Join(os.Getenv("HOME"), ".daiku", "templates", "AGENTS.template.md"),
		"templates.overwrite_skills":  true,
		"agent.command":               DefaultAgentCommand,
		"agent.disabled_tools":        []string{},
		"dev_server.command":          DefaultDevServerCommand,
		"dev_server.cache_dir":        DefaultDevServerCacheDir,
		"dev_server.readiness_timeout": DefaultDevServerReadinessTimeout,
		"dev_server.poll_interval":     DefaultDevServerPollInterval,
		"acp.handshake_timeout":        DefaultACPHandshakeTimeout,
		"acp.message_timeout":          DefaultACPMessageTimeout,
		"acp.terminate_timeout":        DefaultACPTerminateTimeout,
		"snapshot.store_path":          filepath.Join(os.Getenv("HOME"), ".daiku", "snapshots"),
		"remote.base_url":              "",
		"remote.health_timeout":        DefaultRemoteHealthTimeout,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".daiku", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("DAIKU_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DAIKU_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	fields := []*string{
		&cfg.Sandbox.BasePath,
		&cfg.Templates.OutputsPath,
		&cfg.Templates.EnvPath,
		&cfg.Templates.SkillsPath,
		&cfg.Templates.InstructionsPath,
		&cfg.Snapshot.StorePath,
	}
	for _, field := range fields {
		expanded, err := pathutil.Expand(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}
	return nil
}
