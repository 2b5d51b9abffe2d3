package layout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/harunnryd/daiku/internal/errors"
)

const runtimeConfigName = "opencode.json"

// RuntimeConfig is what the agent runtime needs to know about the model it
// will drive inside a sandbox.
type RuntimeConfig struct {
	Provider      string
	ModelName     string
	APIKey        string
	APIBase       string
	DisabledTools []string
}

// Shell commands the agent may never run, whatever the caller asks for.
// Everything here either destroys sandbox state or opens a network path
// out of it.
var deniedShellCommands = []string{
	"rm", "curl", "wget", "ssh", "scp", "sftp", "ftp", "telnet", "nc", "netcat",
}

// Tools enabled by default; callers subtract via DisabledTools.
var allowedTools = []string{
	"edit", "write", "read", "grep", "glob", "list",
	"lsp", "patch", "skill", "question", "webfetch",
}

// SetupRuntimeConfig renders the agent runtime configuration into the
// sandbox. Render-once unless overwrite is set, same contract as the
// instructions file.
func (m *Manager) SetupRuntimeConfig(sandboxPath string, rc RuntimeConfig, overwrite bool) error {
	if rc.Provider == "" || rc.ModelName == "" {
		return errors.InvalidInput("runtime config requires a provider and model name")
	}

	dst := filepath.Join(sandboxPath, runtimeConfigName)
	if !overwrite {
		if _, err := os.Stat(dst); err == nil {
			slog.Debug("runtime config already present, keeping", "path", dst)
			return nil
		}
	}

	rendered, err := json.MarshalIndent(buildRuntimeConfig(rc), "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "encode runtime config")
	}
	rendered = append(rendered, '\n')
	if err := atomic.WriteFile(dst, bytesReader(rendered)); err != nil {
		return errors.Wrap(err, errors.ErrProvision, "write runtime config")
	}
	return nil
}

func buildRuntimeConfig(rc RuntimeConfig) map[string]any {
	cfg := map[string]any{
		"$schema": "https://opencode.ai/config.json",
		"model":   fmt.Sprintf("%s/%s", rc.Provider, rc.ModelName),
	}

	if rc.APIKey != "" || rc.APIBase != "" {
		providerCfg := map[string]any{}
		if rc.APIKey != "" {
			providerCfg["options"] = map[string]any{"apiKey": rc.APIKey}
		}
		if rc.APIBase != "" {
			providerCfg["api"] = rc.APIBase
		}
		cfg["provider"] = map[string]any{rc.Provider: providerCfg}
	}

	if options := reasoningOptions(rc.Provider); options != nil {
		cfg["options"] = options
	}

	permission := map[string]any{}
	for _, tool := range allowedTools {
		permission[tool] = "allow"
	}
	bash := map[string]any{}
	for _, cmd := range deniedShellCommands {
		bash[cmd] = "deny"
	}
	permission["bash"] = bash
	for _, tool := range rc.DisabledTools {
		permission[tool] = "deny"
	}
	cfg["permission"] = permission
	return cfg
}

// reasoningOptions returns the top-level extended-thinking block each
// provider family expects; nil for providers with no such knobs.
func reasoningOptions(provider string) map[string]any {
	switch provider {
	case "openai", "azure":
		return map[string]any{
			"reasoningEffort":  "high",
			"textVerbosity":    "low",
			"reasoningSummary": "auto",
			"include":          []string{"reasoning.encrypted_content"},
		}
	case "anthropic", "bedrock":
		return map[string]any{
			"thinking": map[string]any{
				"type":         "enabled",
				"budgetTokens": 16000,
			},
		}
	case "google", "vertex":
		return map[string]any{
			"thinking_budget": 16000,
			"thinking_level":  "high",
		}
	default:
		return nil
	}
}
