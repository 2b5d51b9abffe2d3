// Package layout scaffolds and tears down per-sandbox directory trees:
// output templates, the dependency environment, knowledge-file links,
// agent instructions, runtime configuration and skills.
package layout

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/harunnryd/daiku/internal/config"
	"github.com/harunnryd/daiku/internal/errors"
)

const (
	filesLinkName    = "files"
	outputsDirName   = "outputs"
	webDirName       = "web"
	uploadsDirName   = "user_uploaded_files"
	envDirName       = ".venv"
	instructionsName = "AGENTS.md"
	skillsDirName    = ".agent/skills"
)

// outputSubdirs are always present under outputs/ regardless of what the
// template ships, so agents have somewhere to put each artifact kind.
var outputSubdirs = []string{"slides", "markdown", "graphs"}

// Manager scaffolds sandbox directories from a set of on-disk templates.
type Manager struct {
	basePath         string
	outputsTemplate  string
	envTemplate      string
	skillsTemplate   string
	instructionsTmpl string
}

// NewManager validates that the mandatory templates exist up front, so a
// misconfigured host fails at startup rather than mid-provision.
func NewManager(basePath string, templates config.TemplatesConfig) (*Manager, error) {
	for _, required := range []struct {
		name string
		path string
	}{
		{"outputs", templates.OutputsPath},
		{"env", templates.EnvPath},
	} {
		info, err := os.Stat(required.path)
		if err != nil {
			return nil, errors.InvalidInput(fmt.Sprintf("%s template missing at %s", required.name, required.path))
		}
		if !info.IsDir() {
			return nil, errors.InvalidInput(fmt.Sprintf("%s template at %s is not a directory", required.name, required.path))
		}
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrProvision, "create sandbox base path")
	}
	return &Manager{
		basePath:         basePath,
		outputsTemplate:  templates.OutputsPath,
		envTemplate:      templates.EnvPath,
		skillsTemplate:   templates.SkillsPath,
		instructionsTmpl: templates.InstructionsPath,
	}, nil
}

// CreateSandboxDir creates the root directory for a sandbox and returns
// its absolute path.
func (m *Manager) CreateSandboxDir(sandboxID string) (string, error) {
	path := filepath.Join(m.basePath, sandboxID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrProvision, fmt.Sprintf("create sandbox dir %s", path))
	}
	return path, nil
}

// SetupFilesSymlink links the caller's knowledge directory into the
// sandbox so the agent reads shared files without copying them. An
// existing link is replaced; a missing knowledge path is an error.
func (m *Manager) SetupFilesSymlink(sandboxPath, knowledgePath string) error {
	if _, err := os.Stat(knowledgePath); err != nil {
		return errors.NotFound(fmt.Sprintf("knowledge path %s", knowledgePath))
	}
	link := filepath.Join(sandboxPath, filesLinkName)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrProvision, "replace files link")
	}
	if err := os.Symlink(knowledgePath, link); err != nil {
		return errors.Wrap(err, errors.ErrProvision, "create files link")
	}
	return nil
}

// SetupOutputs copies the outputs template into the sandbox and ensures
// the per-artifact subdirectories exist.
func (m *Manager) SetupOutputs(sandboxPath string) error {
	outputs := filepath.Join(sandboxPath, outputsDirName)
	if err := copyTree(m.outputsTemplate, outputs); err != nil {
		return err
	}
	for _, sub := range outputSubdirs {
		if err := os.MkdirAll(filepath.Join(outputs, sub), 0o755); err != nil {
			return errors.Wrap(err, errors.ErrProvision, fmt.Sprintf("create outputs/%s", sub))
		}
	}
	return nil
}

// SetupEnv copies the prepared dependency environment into the sandbox.
func (m *Manager) SetupEnv(sandboxPath string) error {
	return copyTree(m.envTemplate, filepath.Join(sandboxPath, envDirName))
}

// SetupInstructions renders the agent instructions file. Render-once: an
// existing file is left alone unless overwrite is set, so operators can
// hand-tune a live sandbox without the next setup pass clobbering it.
func (m *Manager) SetupInstructions(sandboxPath string, overwrite bool) error {
	if m.instructionsTmpl == "" {
		return nil
	}
	dst := filepath.Join(sandboxPath, instructionsName)
	if !overwrite {
		if _, err := os.Stat(dst); err == nil {
			slog.Debug("instructions already present, keeping", "path", dst)
			return nil
		}
	}
	content, err := os.ReadFile(m.instructionsTmpl)
	if err != nil {
		return errors.Wrap(err, errors.ErrProvision, "read instructions template")
	}
	if err := atomic.WriteFile(dst, bytesReader(content)); err != nil {
		return errors.Wrap(err, errors.ErrProvision, "write instructions")
	}
	return nil
}

// SetupUserUploads creates the directory user-provided files land in.
func (m *Manager) SetupUserUploads(sandboxPath string) error {
	dir := filepath.Join(sandboxPath, uploadsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrProvision, "create user uploads dir")
	}
	return nil
}

// SetupSkills stages the skills template into the sandbox. When the
// destination already exists it is either kept (overwrite false) or
// replaced wholesale. Every staged skill must carry a SKILL.md with valid
// YAML frontmatter declaring at least a name and description.
func (m *Manager) SetupSkills(sandboxPath string, overwrite bool) error {
	if m.skillsTemplate == "" {
		return nil
	}
	if _, err := os.Stat(m.skillsTemplate); err != nil {
		slog.Debug("skills template missing, skipping", "path", m.skillsTemplate)
		return nil
	}

	dst := filepath.Join(sandboxPath, skillsDirName)
	if _, err := os.Stat(dst); err == nil {
		if !overwrite {
			slog.Debug("skills already staged, keeping", "path", dst)
			return nil
		}
		if err := os.RemoveAll(dst); err != nil {
			return errors.Wrap(err, errors.ErrProvision, "replace staged skills")
		}
	}
	if err := copyTree(m.skillsTemplate, dst); err != nil {
		return err
	}
	return validateSkills(dst)
}

// skillFrontmatter is the YAML header every SKILL.md must declare.
type skillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func validateSkills(skillsDir string) error {
	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		return errors.Wrap(err, errors.ErrProvision, "read staged skills")
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest := filepath.Join(skillsDir, entry.Name(), "SKILL.md")
		meta, err := parseSkillManifest(manifest)
		if err != nil {
			return err
		}
		if meta.Name == "" || meta.Description == "" {
			return errors.InvalidInput(fmt.Sprintf("skill %s: SKILL.md frontmatter must set name and description", entry.Name()))
		}
	}
	return nil
}

func parseSkillManifest(path string) (*skillFrontmatter, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("skill manifest missing: %s", path))
	}
	front, ok := splitFrontmatter(content)
	if !ok {
		return nil, errors.InvalidInput(fmt.Sprintf("skill manifest %s has no frontmatter", path))
	}
	var meta skillFrontmatter
	if err := yaml.Unmarshal(front, &meta); err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("skill manifest %s: invalid frontmatter: %v", path, err))
	}
	return &meta, nil
}

// Cleanup removes the sandbox tree. Missing directories are fine; the
// caller may be retrying a partially failed teardown.
func (m *Manager) Cleanup(sandboxPath string) error {
	if sandboxPath == "" || sandboxPath == "/" {
		return errors.InvalidInput("refusing to clean up empty or root path")
	}
	if err := os.RemoveAll(sandboxPath); err != nil {
		return errors.Wrap(err, errors.ErrInternal, fmt.Sprintf("remove sandbox %s", sandboxPath))
	}
	return nil
}

// OutputsPath returns the agent-visible artifact directory.
func (m *Manager) OutputsPath(sandboxPath string) string {
	return filepath.Join(sandboxPath, outputsDirName)
}

// WebPath returns the directory the dev server runs in.
func (m *Manager) WebPath(sandboxPath string) string {
	return filepath.Join(sandboxPath, outputsDirName, webDirName)
}

// UploadsPath returns the directory user files are staged into.
func (m *Manager) UploadsPath(sandboxPath string) string {
	return filepath.Join(sandboxPath, uploadsDirName)
}
