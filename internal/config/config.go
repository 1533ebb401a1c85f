// internal/config/config.go
//
// This package handles configuration and the .concord directory structure.
// Every project coordinated by concord gets a .concord/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// ConcordDir is the name of the directory we create in each project
	ConcordDir = ".concord"

	BackendScripted = "scripted"
	BackendCommand  = "command"

	PermissionRead  = "read"
	PermissionWrite = "write"

	defaultMaxRounds = 3
)

const defaultProjectConfigYAML = `# concord project configuration
version: 1

question: "What is the capital of France?"

# Every agent works on the question in parallel. backend: command runs an
# external process per attempt; backend: scripted replays fixed steps.
agents:
  - id: agent_a
    backend: scripted
    script:
      - answer: "Paris"
  - id: agent_b
    backend: scripted
    script:
      - vote: agent_a
        rationale: "agent_a is correct"
  - id: agent_c
    backend: scripted
    script:
      - delay: 500ms
        vote: agent_a
  # - id: claude
  #   backend: command
  #   command: ./bin/agent
  #   args: ["--model", "fast"]
  #   timeout: 10m

coordination:
  threshold: 0        # 0 = strict majority
  max_rounds: 3
  agent_timeout: 5m
  session_timeout: 30m
  max_new_answers_per_agent: 0
  planning_mode: false
  status_interval: 2s

# Shared inputs copied read-only into every agent workspace.
context_paths: []
#  - path: docs
#    permission: write

workspace:
  root: .concord/workspaces
  output: .concord/output

bridge:
  enabled: false
  host: 127.0.0.1
  port: 8787
`

// ScriptStep is one deterministic step of a scripted agent.
type ScriptStep struct {
	Delay     Duration          `yaml:"delay,omitempty" toml:"delay,omitempty"`
	Answer    string            `yaml:"answer,omitempty" toml:"answer,omitempty"`
	Vote      string            `yaml:"vote,omitempty" toml:"vote,omitempty"`
	Rationale string            `yaml:"rationale,omitempty" toml:"rationale,omitempty"`
	Error     string            `yaml:"error,omitempty" toml:"error,omitempty"`
	Hang      bool              `yaml:"hang,omitempty" toml:"hang,omitempty"`
	Write     map[string]string `yaml:"write,omitempty" toml:"write,omitempty"`
	Delete    []string          `yaml:"delete,omitempty" toml:"delete,omitempty"`
}

// AgentConfig declares one coordinated agent.
type AgentConfig struct {
	ID           string            `yaml:"id" toml:"id"`
	Backend      string            `yaml:"backend" toml:"backend"`
	Command      string            `yaml:"command,omitempty" toml:"command,omitempty"`
	Args         []string          `yaml:"args,omitempty" toml:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	Timeout      Duration          `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Script       []ScriptStep      `yaml:"script,omitempty" toml:"script,omitempty"`
	Presentation *ScriptStep       `yaml:"presentation,omitempty" toml:"presentation,omitempty"`
}

// CoordinationConfig captures voting and supervision rules.
type CoordinationConfig struct {
	Threshold             float64            `yaml:"threshold" toml:"threshold"`
	MaxRounds             int                `yaml:"max_rounds" toml:"max_rounds"`
	AgentTimeout          Duration           `yaml:"agent_timeout" toml:"agent_timeout"`
	SessionTimeout        Duration           `yaml:"session_timeout" toml:"session_timeout"`
	MaxNewAnswersPerAgent int                `yaml:"max_new_answers_per_agent" toml:"max_new_answers_per_agent"`
	PlanningMode          bool               `yaml:"planning_mode" toml:"planning_mode"`
	VoteWeights           map[string]float64 `yaml:"vote_weights,omitempty" toml:"vote_weights,omitempty"`
	StatusInterval        Duration           `yaml:"status_interval" toml:"status_interval"`
}

// ContextPathConfig declares a shared input and the winner's permission on it.
type ContextPathConfig struct {
	Path       string `yaml:"path" toml:"path"`
	Name       string `yaml:"name,omitempty" toml:"name,omitempty"`
	Permission string `yaml:"permission,omitempty" toml:"permission,omitempty"`
}

// WorkspaceConfig locates agent workspaces and the promotion target.
type WorkspaceConfig struct {
	Root   string `yaml:"root" toml:"root"`
	Output string `yaml:"output" toml:"output"`
}

// BridgeConfig toggles the read-only observer server.
type BridgeConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty" toml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty" toml:"port,omitempty"`
}

// ProjectConfig models .concord/config.yaml.
type ProjectConfig struct {
	Version      int                 `yaml:"version" toml:"version"`
	Question     string              `yaml:"question" toml:"question"`
	Agents       []AgentConfig       `yaml:"agents" toml:"agents"`
	Coordination CoordinationConfig  `yaml:"coordination" toml:"coordination"`
	ContextPaths []ContextPathConfig `yaml:"context_paths,omitempty" toml:"context_paths,omitempty"`
	Workspace    WorkspaceConfig     `yaml:"workspace" toml:"workspace"`
	Bridge       BridgeConfig        `yaml:"bridge,omitempty" toml:"bridge,omitempty"`
}

// Config holds the runtime configuration for concord.
type Config struct {
	// ProjectDir is the directory where the user ran `concord` from
	ProjectDir string

	// ConcordProjectDir is ProjectDir/.concord
	ConcordProjectDir string

	// Path is the file the project config was read from, if any.
	Path string

	Project ProjectConfig
}

// InitConcordDir creates the .concord directory structure in the given
// project directory and writes a starter config when none exists.
//
// .concord/
// ├── config.yaml
// ├── logs/        <- concord.log and the coordination journal
// ├── state/       <- status.json
// ├── sessions/    <- one event log per session
// ├── workspaces/  <- isolated agent directories and snapshots
// └── output/      <- the promoted winner workspace
func InitConcordDir(projectDir string) error {
	concordDir := filepath.Join(projectDir, ConcordDir)
	dirs := []string{
		filepath.Join(concordDir, "logs"),
		filepath.Join(concordDir, "state"),
		filepath.Join(concordDir, "sessions"),
		filepath.Join(concordDir, "workspaces"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if fileExists(filepath.Join(concordDir, "config.toml")) {
		return nil
	}
	return ensureProjectConfig(filepath.Join(concordDir, "config.yaml"))
}

// NewConfig loads .concord/config.yaml (or config.toml) from projectDir.
// A missing file yields the defaults, which still fail validation because
// no agents are configured.
func NewConfig(projectDir string) (*Config, error) {
	return Load(projectDir, "")
}

// Load reads the project config from path, or from the default location
// when path is empty.
func Load(projectDir, path string) (*Config, error) {
	cfg := &Config{
		ProjectDir:        projectDir,
		ConcordProjectDir: filepath.Join(projectDir, ConcordDir),
		Project:           defaultProjectConfig(),
	}
	if path == "" {
		path = cfg.defaultConfigPath()
	} else {
		path = resolvePath(projectDir, path)
	}
	cfg.Path = path
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate re-checks the project config, e.g. after CLI overrides.
func (c *Config) Validate() error {
	c.Project.applyDefaults()
	c.Project.normalize(c.ProjectDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.ConcordProjectDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.ConcordProjectDir, "state")
}

// StatusPath returns the periodically rewritten status file.
func (c *Config) StatusPath() string {
	return filepath.Join(c.StateDir(), "status.json")
}

// JournalPath returns the human-readable coordination journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogsDir(), "coordination.log")
}

// SessionsDir holds one directory per coordination session.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.ConcordProjectDir, "sessions")
}

// EventLogPath returns the JSONL event log for a session.
func (c *Config) EventLogPath(sessionID string) string {
	return filepath.Join(c.SessionsDir(), sessionID, "events.jsonl")
}

// ManifestPath returns the final state record of a session.
func (c *Config) ManifestPath(sessionID string) string {
	return filepath.Join(c.SessionsDir(), sessionID, "session.json")
}

// WorkspaceRoot returns the root for agent workspaces of a session.
func (c *Config) WorkspaceRoot(sessionID string) string {
	return filepath.Join(c.Project.Workspace.Root, sessionID)
}

// OutputDir returns where the winner's workspace is promoted.
func (c *Config) OutputDir() string {
	return c.Project.Workspace.Output
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	if c.Path != "" {
		return c.Path
	}
	return c.defaultConfigPath()
}

// Agent returns the named agent configuration.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Project.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

func (c *Config) defaultConfigPath() string {
	yamlPath := filepath.Join(c.ConcordProjectDir, "config.yaml")
	tomlPath := filepath.Join(c.ConcordProjectDir, "config.toml")
	if !fileExists(yamlPath) && fileExists(tomlPath) {
		return tomlPath
	}
	return yamlPath
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Project.applyDefaults()
			c.Project.normalize(c.ProjectDir)
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

// Parse decodes a project config. ext selects TOML (".toml"); anything
// else is read as YAML.
func Parse(data []byte, ext string) (ProjectConfig, error) {
	var parsed ProjectConfig
	if strings.EqualFold(ext, ".toml") {
		if err := toml.Unmarshal(data, &parsed); err != nil {
			return ProjectConfig{}, err
		}
		return parsed, nil
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return ProjectConfig{}, err
	}
	return parsed, nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{Version: 1}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	co := &pc.Coordination
	if co.MaxRounds == 0 {
		co.MaxRounds = defaultMaxRounds
	}
	if co.AgentTimeout.Duration == 0 {
		co.AgentTimeout = Minutes(5)
	}
	if co.SessionTimeout.Duration == 0 {
		co.SessionTimeout = Minutes(30)
	}
	if co.StatusInterval.Duration == 0 {
		co.StatusInterval = Seconds(2)
	}
	if pc.Workspace.Root == "" {
		pc.Workspace.Root = filepath.Join(ConcordDir, "workspaces")
	}
	if pc.Workspace.Output == "" {
		pc.Workspace.Output = filepath.Join(ConcordDir, "output")
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Question = strings.TrimSpace(pc.Question)
	for i := range pc.Agents {
		pc.Agents[i].normalize(base)
	}
	for i := range pc.ContextPaths {
		cp := &pc.ContextPaths[i]
		cp.Path = resolvePath(base, cp.Path)
		cp.Name = strings.TrimSpace(cp.Name)
		if cp.Name == "" && cp.Path != "" {
			cp.Name = filepath.Base(cp.Path)
		}
		cp.Permission = normalizeSource(cp.Permission)
		if cp.Permission == "" {
			cp.Permission = PermissionRead
		}
	}
	pc.Workspace.Root = resolvePath(base, pc.Workspace.Root)
	pc.Workspace.Output = resolvePath(base, pc.Workspace.Output)
	pc.Bridge.Host = strings.TrimSpace(pc.Bridge.Host)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if len(pc.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	seen := map[string]bool{}
	for i := range pc.Agents {
		if err := pc.Agents[i].validate(); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
		id := pc.Agents[i].ID
		if seen[id] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
	}
	co := pc.Coordination
	if co.Threshold < 0 || co.Threshold > 1 {
		return fmt.Errorf("coordination.threshold must be within [0, 1]")
	}
	if co.MaxRounds < 1 {
		return fmt.Errorf("coordination.max_rounds must be >= 1")
	}
	if co.AgentTimeout.Duration < 0 || co.SessionTimeout.Duration < 0 || co.StatusInterval.Duration < 0 {
		return fmt.Errorf("coordination durations must not be negative")
	}
	if co.MaxNewAnswersPerAgent < 0 {
		return fmt.Errorf("coordination.max_new_answers_per_agent must be >= 0")
	}
	for id, w := range co.VoteWeights {
		if !seen[id] {
			return fmt.Errorf("coordination.vote_weights: unknown agent %q", id)
		}
		if w < 0 {
			return fmt.Errorf("coordination.vote_weights[%s] must be >= 0", id)
		}
	}
	names := map[string]bool{}
	for i, cp := range pc.ContextPaths {
		if cp.Path == "" {
			return fmt.Errorf("context_paths[%d]: path is required", i)
		}
		if cp.Permission != PermissionRead && cp.Permission != PermissionWrite {
			return fmt.Errorf("context_paths[%d]: permission must be 'read' or 'write'", i)
		}
		if names[cp.Name] {
			return fmt.Errorf("context_paths[%d]: duplicate name %q", i, cp.Name)
		}
		names[cp.Name] = true
	}
	if pc.Bridge.Port < 0 || pc.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be within [0, 65535]")
	}
	return nil
}

func (ac *AgentConfig) normalize(base string) {
	ac.ID = strings.TrimSpace(ac.ID)
	ac.Backend = normalizeSource(ac.Backend)
	ac.Command = strings.TrimSpace(ac.Command)
	if strings.HasPrefix(ac.Command, "./") || strings.HasPrefix(ac.Command, "../") {
		ac.Command = resolvePath(base, ac.Command)
	}
}

func (ac AgentConfig) validate() error {
	if ac.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(ac.ID, `/\ `) || ac.ID == "." || ac.ID == ".." {
		return fmt.Errorf("id %q must be a plain name", ac.ID)
	}
	if ac.Timeout.Duration < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	switch ac.Backend {
	case BackendScripted:
		if len(ac.Script) == 0 {
			return fmt.Errorf("script is required for scripted agents")
		}
	case BackendCommand:
		if ac.Command == "" {
			return fmt.Errorf("command is required for command agents")
		}
	default:
		return fmt.Errorf("backend must be '%s' or '%s'", BackendScripted, BackendCommand)
	}
	return nil
}

func normalizeSource(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
