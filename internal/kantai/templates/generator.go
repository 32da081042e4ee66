// Package templates renders the per-agent configuration artifact and
// scaffolds agent workspaces on the host filesystem.
//
// Layout under the data directory:
//
//	agents/<id>/config.yaml      generated config, mounted read-only
//	workspaces/<id>/SOUL.md      persona
//	workspaces/<id>/AGENTS.md    operating notes
//	workspaces/<id>/memory/      agent-owned
//
// Only config.yaml, SOUL.md and AGENTS.md are ever written. Anything else an
// operator or agent puts in a workspace is left alone.
package templates

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/kantai/internal/kantai/errdefs"
)

//go:embed builtin/*.tmpl builtin/config.schema.json
var builtinFS embed.FS

// Builtin returns the embedded default templates.
func Builtin() fs.FS {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		panic(err)
	}
	return sub
}

var configSchema = func() *jsonschema.Schema {
	raw, err := builtinFS.ReadFile("builtin/config.schema.json")
	if err != nil {
		panic(err)
	}
	return jsonschema.MustCompileString("config.schema.json", string(raw))
}()

// Canonical artifact names.
const (
	ConfigFile = "config.yaml"
	SoulFile   = "SOUL.md"
	AgentsFile = "AGENTS.md"
	MemoryDir  = "memory"

	// WorkspaceMount is where the workspace appears inside the container.
	WorkspaceMount = "/agent/workspace"
)

// ConfigParams are the values interpolated into an agent's config artifact.
type ConfigParams struct {
	Provider        string
	Model           string
	APIKey          string
	Autonomy        string
	AllowedCommands []string
	GatewayPort     int
}

// configVars is the data handed to config.yaml.tmpl.
type configVars struct {
	ConfigParams
	AgentID        string
	WorkspaceMount string
}

type workspaceVars struct {
	AgentID string
}

// Generator writes config artifacts and workspaces below a data directory.
type Generator struct {
	registry     *Registry
	configDir    string
	workspaceDir string
}

// NewGenerator creates a Generator rooted at dataDir. reg may be nil to use
// the built-in templates.
func NewGenerator(dataDir string, reg *Registry) *Generator {
	if reg == nil {
		reg = NewRegistry(Builtin())
	}
	return &Generator{
		registry:     reg,
		configDir:    filepath.Join(dataDir, "agents"),
		workspaceDir: filepath.Join(dataDir, "workspaces"),
	}
}

// ConfigPath returns where the config artifact of agentID lives.
func (g *Generator) ConfigPath(agentID string) string {
	return filepath.Join(g.configDir, agentID, ConfigFile)
}

// WorkspacePath returns the workspace directory of agentID.
func (g *Generator) WorkspacePath(agentID string) string {
	return filepath.Join(g.workspaceDir, agentID)
}

// GenerateConfig validates p, renders the config artifact, checks the result
// against the config schema and writes it atomically. It returns the path of
// the written file. Invalid input is a validation error; anything that goes
// wrong afterwards is an artifact error.
func (g *Generator) GenerateConfig(agentID string, p ConfigParams) (string, error) {
	if err := ValidateParams(agentID, p); err != nil {
		return "", err
	}
	if p.AllowedCommands == nil {
		p.AllowedCommands = []string{}
	}

	rendered, err := g.registry.Render("config.yaml", configVars{
		ConfigParams:   p,
		AgentID:        agentID,
		WorkspaceMount: WorkspaceMount,
	})
	if err != nil {
		return "", errdefs.Artifact("render config", err)
	}
	if err := checkConfig(rendered); err != nil {
		return "", errdefs.Artifact("check config", err)
	}

	path := g.ConfigPath(agentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", errdefs.Artifact("create config dir", err)
	}
	// The artifact may hold an API key.
	if err := writeFileAtomic(path, rendered, 0o600); err != nil {
		return "", errdefs.Artifact("write config", err)
	}
	return path, nil
}

// GenerateWorkspace creates the workspace of agentID if needed and writes
// SOUL.md and AGENTS.md. Empty content falls back to the built-in defaults.
// It is safe to call repeatedly.
func (g *Generator) GenerateWorkspace(agentID, soulContent, agentsContent string) (string, error) {
	if !agentIDPattern.MatchString(agentID) {
		return "", errdefs.Validation("agent id %q is invalid", agentID)
	}
	dir := g.WorkspacePath(agentID)
	if err := os.MkdirAll(filepath.Join(dir, MemoryDir), 0o755); err != nil {
		return "", errdefs.Artifact("create workspace", err)
	}

	files := []struct {
		name, content, tmpl string
	}{
		{SoulFile, soulContent, "SOUL.md"},
		{AgentsFile, agentsContent, "AGENTS.md"},
	}
	for _, f := range files {
		data := []byte(f.content)
		if len(bytes.TrimSpace(data)) == 0 {
			var err error
			data, err = g.registry.Render(f.tmpl, workspaceVars{AgentID: agentID})
			if err != nil {
				return "", errdefs.Artifact("render "+f.name, err)
			}
		}
		if err := writeFileAtomic(filepath.Join(dir, f.name), data, 0o644); err != nil {
			return "", errdefs.Artifact("write "+f.name, err)
		}
	}
	return dir, nil
}

// RemoveConfig deletes the config artifact of agentID and its directory if
// that is left empty. Workspaces are never removed.
func (g *Generator) RemoveConfig(agentID string) error {
	if !agentIDPattern.MatchString(agentID) {
		return errdefs.Validation("agent id %q is invalid", agentID)
	}
	path := g.ConfigPath(agentID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errdefs.Artifact("remove config", err)
	}
	// Fails harmlessly when the directory holds anything else.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// checkConfig parses rendered YAML and validates it against the schema. This
// catches structure injected through a value as well as broken operator
// templates.
func checkConfig(rendered []byte) error {
	var doc any
	if err := yaml.Unmarshal(rendered, &doc); err != nil {
		return fmt.Errorf("rendered config is not valid YAML: %w", err)
	}
	// The schema validator expects encoding/json shaped values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("rendered config cannot be represented as JSON: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	if err := configSchema.Validate(v); err != nil {
		return fmt.Errorf("rendered config does not match schema: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never see a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
